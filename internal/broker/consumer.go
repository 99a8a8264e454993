package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nasferry/nasferry/internal/health"
	"github.com/nasferry/nasferry/internal/logging"
	"github.com/nasferry/nasferry/internal/metrics"
	"github.com/nasferry/nasferry/internal/model"
)

// Disposition is the handler's verdict on one event.
type Disposition int

const (
	// Commit acknowledges the event; its offset may be committed.
	Commit Disposition = iota
	// Retry republishes the event with an incremented attempt count and
	// commits the original. Re-reading the source file happens on the
	// redelivery.
	Retry
	// DeadLetter routes the event to the dead-letter topic and commits.
	DeadLetter
)

// Handler processes one decoded transfer event.
type Handler func(ctx context.Context, ev model.TransferEvent) Disposition

// action is the broker-side consequence of a handler disposition.
type action int

const (
	actionCommit action = iota
	actionRepublish
	actionDeadLetter
)

// decide maps the handler's disposition onto the broker-side action,
// enforcing the attempt budget on retries. Attempt counts from zero, so a
// budget of n allows n deliveries in total: an event that failed its last
// allowed delivery is dead-lettered instead of republished.
func decide(d Disposition, attempt, maxAttempts int) action {
	switch d {
	case Retry:
		if attempt+1 >= maxAttempts {
			return actionDeadLetter
		}
		return actionRepublish
	case DeadLetter:
		return actionDeadLetter
	default:
		return actionCommit
	}
}

// ConsumerConfig configures the worker pool.
type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	DeadletterTopic string
	GroupID         string
	Workers         int
	MaxAttempts     int
}

// Consumer runs a pool of workers, each holding its own group reader. The
// group assigns disjoint partitions to each reader, so processing is parallel
// across partitions and strictly sequential within one.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	monitor *health.Monitor

	retryWriter *kafka.Writer
	dlqWriter   *kafka.Writer
}

// NewConsumer builds the pool. handler is called once per fetched event;
// offsets are committed only per the returned Disposition.
func NewConsumer(cfg ConsumerConfig, handler Handler, monitor *health.Monitor) *Consumer {
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		monitor: monitor,
		retryWriter: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		dlqWriter: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.DeadletterTopic,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Run blocks until ctx is canceled and all workers have drained.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()

	if err := c.retryWriter.Close(); err != nil {
		logging.Warn("close retry writer", zap.Error(err))
	}
	if err := c.dlqWriter.Close(); err != nil {
		logging.Warn("close deadletter writer", zap.Error(err))
	}
}

func (c *Consumer) runWorker(ctx context.Context, worker int) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.cfg.Brokers,
		Topic:          c.cfg.Topic,
		GroupID:        c.cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		CommitInterval: 0, // synchronous commits only
	})
	defer reader.Close()

	instance := uuid.NewString()
	log := logging.L().With(
		zap.Int("worker", worker),
		zap.String("instance", instance),
	)
	log.Info("consumer worker started", zap.String("topic", c.cfg.Topic))

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("consumer worker stopping")
				return
			}
			log.Error("fetch message failed", zap.Error(err))
			c.monitor.RecordConsumerError()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		c.monitor.ObserveConsumerLag(reader.Lag())

		ev, decodeErr := model.DecodeEvent(msg.Value)
		if decodeErr != nil {
			// Malformed payloads cannot succeed on redelivery; skip them.
			log.Error("malformed event, skipping",
				zap.Int64("offset", msg.Offset),
				zap.Error(decodeErr))
			metrics.RecordConsume("malformed")
			c.commit(ctx, reader, msg, log)
			continue
		}

		c.monitor.ObserveOldestEventAge(time.Since(ev.DiscoveredAt))

		switch decide(c.handler(ctx, ev), ev.Attempt, c.cfg.MaxAttempts) {
		case actionCommit:
			c.commit(ctx, reader, msg, log)
			c.monitor.RecordCommit()

		case actionRepublish:
			next := ev
			next.Attempt++
			if err := c.republish(ctx, next); err != nil {
				// Leave the offset uncommitted; the broker will
				// redeliver the original instead.
				log.Warn("republish failed, leaving offset uncommitted",
					zap.String("path", ev.Path),
					zap.Error(err))
				continue
			}
			metrics.RecordConsume("retried")
			c.commit(ctx, reader, msg, log)

		case actionDeadLetter:
			c.deadLetter(ctx, ev, msg, log)
			c.commit(ctx, reader, msg, log)
		}
	}
}

// commit acknowledges the message. Called only after the handler's checkpoint
// write (if any) succeeded: a crash between upload and commit results in
// redelivery and a cheap idempotent re-upload, never a lost transfer.
func (c *Consumer) commit(ctx context.Context, reader *kafka.Reader, msg kafka.Message, log *zap.Logger) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		log.Error("offset commit failed",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		c.monitor.RecordConsumerError()
	}
}

func (c *Consumer) republish(ctx context.Context, ev model.TransferEvent) error {
	value, err := ev.Encode()
	if err != nil {
		return err
	}
	return c.retryWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Fingerprint),
		Value: value,
	})
}

func (c *Consumer) deadLetter(ctx context.Context, ev model.TransferEvent, msg kafka.Message, log *zap.Logger) {
	value, err := ev.Encode()
	if err == nil {
		err = c.dlqWriter.WriteMessages(ctx, kafka.Message{
			Key:   msg.Key,
			Value: value,
		})
	}
	if err != nil {
		log.Error("dead-letter publish failed",
			zap.String("path", ev.Path),
			zap.Error(err))
	} else {
		log.Warn("event dead-lettered",
			zap.String("path", ev.Path),
			zap.String("fingerprint", ev.Fingerprint),
			zap.Int("attempts", ev.Attempt+1))
	}
	metrics.RecordConsume("deadlettered")
	metrics.RecordDeadLetter()
	c.monitor.RecordDeadLetter()
}
