package queue

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// MaxRetries is the number of trips through the retry queue before a
// message is dead-lettered.
const MaxRetries = 10

const retriesHeader = "x-retries"

// Retries returns how often the message went through the retry queue.
func Retries(msg amqp091.Delivery) int {
	switch v := msg.Headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError settles a message whose job failed. Configuration
// errors and missing documents go straight to the dead-letter queue, other
// failures are delayed through the retry queue until MaxRetries is reached.
// The message is only acked once its copy has been published.
func HandleProcessingError(ctx context.Context, ch channelPublisher, msg amqp091.Delivery, queueName string, procErr error) {
	retries := Retries(msg)
	permanent := common.IsFatal(procErr) || errors.Is(procErr, common.ErrNotFound)

	if permanent || retries >= MaxRetries {
		dlqName := queueName + "_dlq"
		logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries, "err", procErr)
		if err := republish(ctx, ch, dlqName, msg, msg.Headers); err != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(retries + 1)

	logger.Info("[Queue] Scheduling retry", "retry_queue", retryName, "retries", retries+1, "err", procErr)
	if err := republish(ctx, ch, retryName, msg, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func republish(ctx context.Context, ch channelPublisher, queueName string, msg amqp091.Delivery, headers amqp091.Table) error {
	return ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
		},
	)
}
