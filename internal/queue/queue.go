// Package queue wraps segmentio/kafka-go readers and writers with circuit
// breaker protection: keyed producer writes on one side, a consumer-group
// fetch/handle/commit loop on the other.
package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gridtrace/dwelltrack/internal/circuitbreaker"
)

// Message is the minimal envelope handed to consumers: a partition key and
// the raw JSON payload.
type Message struct {
	Key   string
	Value []byte
}

// Producer publishes keyed messages to a topic.
type Producer struct {
	writer *circuitbreaker.CBKafkaWriter
	raw    *kafka.Writer
}

// NewProducer constructs a Producer for topic, partitioning by key via the
// default kafka-go hash balancer.
func NewProducer(brokers []string, topic string, cb circuitbreaker.KafkaConfig, logger *slog.Logger) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	breaker := circuitbreaker.NewKafkaBreaker("queue-producer-"+topic, cb, logger)
	return &Producer{writer: circuitbreaker.NewCBKafkaWriter(w, breaker), raw: w}
}

// Publish writes msg to the topic, guarded by the circuit breaker.
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.Key), Value: msg.Value})
}

// Close releases the underlying writer's resources.
func (p *Producer) Close() error {
	if p == nil || p.raw == nil {
		return nil
	}
	return p.raw.Close()
}

// LagGauge receives the consumer's current partition lag after each fetch.
type LagGauge interface {
	SetQueueLag(v float64)
}

// Consumer fetches and commits messages from a consumer group, guarded by
// the circuit breaker on the fetch path only (commits fail fast).
type Consumer struct {
	reader *circuitbreaker.CBKafkaReader
	raw    *kafka.Reader
	poll   time.Duration
	lag    LagGauge
	log    *slog.Logger
}

// NewConsumer constructs a Consumer bound to group on topic. lag may be nil.
func NewConsumer(brokers []string, topic, group string, cb circuitbreaker.KafkaConfig, lag LagGauge, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	breaker := circuitbreaker.NewKafkaBreaker("queue-consumer-"+topic, cb, logger)
	poll := 5 * time.Second
	return &Consumer{reader: circuitbreaker.NewCBKafkaReader(r, breaker), raw: r, poll: poll, lag: lag, log: logger}
}

// Close releases the underlying reader's resources.
func (c *Consumer) Close() error {
	if c == nil || c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// Run blocks consuming messages and invoking handle for each until ctx is
// cancelled. A handle error is logged and the message is left uncommitted
// so it redelivers; the dwell engine's own event_id dedup makes redelivery
// safe to reapply.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, msg Message) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			c.log.Error("queue_consumer_fetch_error", slog.Any("err", err))
			continue
		}

		if c.lag != nil {
			c.lag.SetQueueLag(float64(c.raw.Lag()))
		}

		if handleErr := handle(ctx, Message{Key: string(msg.Key), Value: msg.Value}); handleErr != nil {
			c.log.Error("queue_consumer_handle_error", slog.Any("err", handleErr), slog.Int64("offset", msg.Offset))
			// Do not commit: leaving the offset uncommitted forces redelivery
			// of this message on the next rebalance/restart, matching the
			// "not marked consumed" retry contract the engine relies on.
			continue
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				c.log.Error("queue_consumer_commit_error", slog.Any("err", err))
			}
		}
		commitCancel()
	}
}
