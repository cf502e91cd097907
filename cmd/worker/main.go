package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/app"
	"github.com/OFFIS-RIT/catalyst/internal/config"
	"github.com/OFFIS-RIT/catalyst/internal/queue"
	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/migrations"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/leaselock"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/logger/console"
	"github.com/OFFIS-RIT/catalyst/pkg/metrics"
	pgdb "github.com/OFFIS-RIT/catalyst/pkg/store/pgx"

	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	cfg, err := config.Load()
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Debug,
		JSON:  cfg.LogJSON,
	})
	logger.Init(consoleLogger)
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}

	// Init pgx client
	pool, err := app.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pool.Close()
	st := pgdb.NewGraphDBStorageWithConnection(pool)

	rdb, err := app.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Unable to connect to redis", "err", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	aiClient, err := app.NewAIClient(cfg.AI, rdb)
	if err != nil {
		logger.Fatal("Could not create AI client", "err", err)
	}

	files, err := app.NewFileStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Could not create document store", "err", err)
	}

	c, err := app.NewComponents(cfg, st, aiClient, metrics.NewCollector("catalyst_worker"))
	if err != nil {
		logger.Fatal("Could not create pipeline", "err", err)
	}

	// Init rabbitmq
	conn, err := queue.Init(cfg.RabbitMQ.URL())
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}
	publisher := queue.NewChannelPublisher(ch)

	handler, err := queue.NewHandler(queue.NewHandlerParams{
		Graph:       c.Graph,
		Communities: c.Detector,
		Source:      files,
		Locker:      leaselock.New(pool),
		Events:      publisher,
		Scope:       cfg.Worker.Scope,
		LockTTL:     cfg.Worker.LockTTL,
	})
	if err != nil {
		logger.Fatal("Could not create job handler", "err", err)
	}

	recovered, err := queue.RecoverStaleDocuments(ctx, st, publisher, cfg.Worker.StaleAfter, time.Now())
	if err != nil {
		logger.Error("Failed to recover stale documents", "err", err)
	} else if recovered > 0 {
		logger.Info("Requeued stale documents", "count", recovered)
	}

	// A single consumer channel with prefetch=1 delivers one message at a
	// time across all queues.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.Queues {
		msgs, err := consumerCh.Consume(
			queueName,
			queueName+"_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			logger.Fatal("Failed to start consuming", "queue", queueName, "err", err)
		}

		go func(qName string, msgs <-chan amqp.Delivery) {
			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					select {
					case messageChan <- queuedMessage{msg: msg, queueName: qName}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(queueName, msgs)
	}

	logger.Info("Listening for messages")

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				if err := handler.Handle(ctx, qm.queueName, qm.msg.Body); err != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", err)
					queue.HandleProcessingError(ctx, consumerCh, qm.msg, qm.queueName, err)
				} else {
					if err := qm.msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				logAIMetrics(aiClient.GetMetrics())
				logger.Info("Processing time", "duration", clock(time.Since(startTime)))
				logger.Info("Waiting for next message")
				aiClient.ResetMetrics()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func logAIMetrics(m ai.ModelMetrics) {
	logger.Info(
		"AI Metrics",
		"requests", m.Requests,
		"input_tokens", m.InputTokens,
		"output_tokens", m.OutputTokens,
		"total_tokens", m.TotalTokens,
		"duration", clock(time.Duration(m.DurationMs)*time.Millisecond),
	)
}

// clock formats d as hh:mm:ss.
func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
