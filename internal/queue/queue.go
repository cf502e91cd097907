package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// Job queues. Each has a companion <name>_retry queue that dead-letters
// back into it after RetryDelay and a <name>_dlq for messages that gave up.
const (
	IngestQueue    = "ingest"
	ReingestQueue  = "reingest"
	DeleteQueue    = "delete"
	DedupeQueue    = "dedupe"
	CommunityQueue = "community"
	ReembedQueue   = "reembed"
)

// Queues lists every job queue the worker consumes.
var Queues = []string{IngestQueue, ReingestQueue, DeleteQueue, DedupeQueue, CommunityQueue, ReembedQueue}

// EventsExchange receives document status events under document.<status>.
const EventsExchange = "catalyst_events"

const RetryDelay = 10 * time.Second

func Init(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to rabbitmq: %w", common.ErrTransient, err)
	}
	return conn, nil
}

func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	err := ch.ExchangeDeclare(
		EventsExchange, // name
		"topic",        // type
		true,           // durable
		false,          // autoDelete
		false,          // internal
		false,          // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", EventsExchange, err)
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(RetryDelay.Milliseconds()),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", retryName, err)
		}
	}

	logger.Debug("[Queue] Queues declared", "queues", queueNames)
	return nil
}

// Publisher enqueues jobs. The server and the worker's follow-up jobs go
// through it.
type Publisher interface {
	Publish(ctx context.Context, queueName string, msg any) error
}

// channelPublisher is the part of *amqp091.Channel used for publishing.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// ChannelPublisher publishes JSON jobs on one channel. Publishes are
// serialized so HTTP handlers can share it.
type ChannelPublisher struct {
	mu sync.Mutex
	ch channelPublisher
}

func NewChannelPublisher(ch *amqp091.Channel) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

func (p *ChannelPublisher) Publish(ctx context.Context, queueName string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", queueName, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublishFIFO(ctx, p.ch, queueName, data)
}

// PublishEvent sends a document status event to the events exchange.
func (p *ChannelPublisher) PublishEvent(ctx context.Context, doc common.Document) error {
	data, err := json.Marshal(DocumentEvent{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Stage:      doc.FailedStage,
		Error:      doc.LastError,
		Progress:   doc.Progress(),
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublishTopic(ctx, p.ch, "document."+string(doc.Status), data)
}

func PublishFIFO(ctx context.Context, ch channelPublisher, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	err := ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		publishing,
	)
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %w", common.ErrTransient, queueName, err)
	}

	return nil
}

func PublishTopic(ctx context.Context, ch channelPublisher, topic string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Transient,
		Timestamp:    time.Now(),
	}

	err := ch.PublishWithContext(
		ctx,
		EventsExchange,
		topic,
		false,
		false,
		publishing,
	)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", topic, err)
	}

	return nil
}
