// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The consumer hands messages to a handler in batches
// and commits a batch only after the handler accepts it; the producer
// publishes JSON-encoded events.
package kafka

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/resilience"
)

// Message is one fetched record.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
}

// BatchHandler processes a batch of messages. Returning an error leaves
// the batch uncommitted.
type BatchHandler func(ctx context.Context, batch []Message) error

// Consumer reads messages from a Kafka topic and dispatches them to a
// BatchHandler.
type Consumer struct {
	reader     *kafka.Reader
	logger     *slog.Logger
	handler    BatchHandler
	batchSize  int
	batchDelay time.Duration
	retry      resilience.RetryConfig
}

// NewConsumer creates a Consumer for topic. A batch closes when it holds
// batchSize messages or batchDelay has passed since its first fetch. A
// non-positive batchDelay means one second.
func NewConsumer(cfg config.KafkaConfig, topic string, batchSize int, batchDelay time.Duration, handler BatchHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader:     r,
		logger:     slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:    handler,
		batchSize:  max(batchSize, 1),
		batchDelay: cmp.Or(max(batchDelay, 0), time.Second),
		retry:      resilience.RetryConfig{MaxAttempts: 3, Backoff: time.Second},
	}
}

// Start enters the consume loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "batch_size", c.batchSize, "batch_delay", c.batchDelay)
	for {
		msgs := c.fetchBatch(ctx)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "reason", ctx.Err(), "dropped", len(msgs))
			return c.reader.Close()
		}
		if len(msgs) == 0 {
			continue
		}

		batch := make([]Message, len(msgs))
		for i, m := range msgs {
			batch[i] = Message{Key: m.Key, Value: m.Value, Partition: m.Partition, Offset: m.Offset}
		}
		err := resilience.Retry("kafka batch", c.retry, func(int) error {
			return c.handler(ctx, batch)
		})
		if err != nil {
			last := msgs[len(msgs)-1]
			c.logger.Error("failed to process batch",
				"partition", last.Partition,
				"offset", last.Offset,
				"size", len(msgs),
				"error", err,
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
			c.logger.Error("failed to commit batch", "size", len(msgs), "error", err)
		}
	}
}

func (c *Consumer) fetchBatch(ctx context.Context) []kafka.Message {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("failed to fetch message", "error", err)
		}
		return nil
	}
	msgs := []kafka.Message{msg}

	fctx, cancel := context.WithTimeout(ctx, c.batchDelay)
	defer cancel()
	for len(msgs) < c.batchSize {
		msg, err := c.reader.FetchMessage(fctx)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				c.logger.Error("failed to fetch message", "error", err)
			}
			break
		}
		msgs = append(msgs, msg)
	}
	c.logger.Debug("batch fetched", "size", len(msgs))
	return msgs
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
