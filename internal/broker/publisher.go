// Package broker connects the pipeline to Kafka. The publisher and consumer
// share one topic contract: message key = content fingerprint, value = the
// JSON TransferEvent. Keying by fingerprint routes every event for a given
// piece of content to the same partition, so its causal history is consumed
// in order no matter how many workers run.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nasferry/nasferry/internal/logging"
	"github.com/nasferry/nasferry/internal/metrics"
	"github.com/nasferry/nasferry/internal/model"
	"github.com/nasferry/nasferry/internal/retry"
)

// Publisher writes transfer events to the broker with synchronous acks.
type Publisher struct {
	writer   *kafka.Writer
	retryCfg retry.Config
}

// NewPublisher builds a publisher for the given topic.
func NewPublisher(brokers []string, topic string, retryCfg retry.Config) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		retryCfg: retryCfg,
	}
}

// Publish sends one event and waits for the broker to acknowledge it. The
// caller must not advance its scan cursor until Publish returns nil; an
// unacknowledged event is simply re-published on the next scan.
func (p *Publisher) Publish(ctx context.Context, ev model.TransferEvent) error {
	value, err := ev.Encode()
	if err != nil {
		return err
	}

	err = retry.Do(ctx, p.retryCfg, func() error {
		writeErr := p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(ev.Fingerprint),
			Value: value,
		})
		if writeErr != nil {
			return retry.Retryable(fmt.Errorf("publish %s: %w", ev.Path, writeErr))
		}
		return nil
	}, func(attempt int, retryErr error) {
		logging.Warn("publish failed, retrying",
			zap.String("path", ev.Path),
			zap.Int("attempt", attempt),
			zap.Error(retryErr))
	})

	metrics.RecordPublish(err == nil)
	return err
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
