package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/timmyxieat/tcm-intake/internal/config"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
)

var ErrAlreadyRunning = errors.New(errors.ErrCodeConflict, "consumer already running")

// EventHandler processes one decoded envelope.  Returning an error stops
// consumption without committing the message.
type EventHandler func(ctx context.Context, env *EventEnvelope) error

// ReaderInterface abstracts kafka.Reader for testing.
type ReaderInterface interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads note events from one topic within a consumer group.
type Consumer struct {
	reader     ReaderInterface
	logger     logging.Logger
	running    atomic.Bool
	consumed   atomic.Int64
	skipped    atomic.Int64
	retryDelay time.Duration
}

// NewConsumer joins groupID on cfg.Topic.  fromStart selects the earliest
// offset for a new group instead of the latest.
func NewConsumer(cfg config.KafkaConfig, groupID string, fromStart bool, logger logging.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "kafka brokers required")
	}
	if groupID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "consumer group required")
	}
	start := kafka.LastOffset
	if fromStart {
		start = kafka.FirstOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        groupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        time.Second,
		StartOffset:    start,
		CommitInterval: 0,
		Dialer:         &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true},
	})
	return NewConsumerWithReader(reader, logger), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r ReaderInterface, logger logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Consumer{reader: r, logger: logger, retryDelay: time.Second}
}

// Consume fetches messages until ctx is cancelled or handler fails.  Messages
// that are not valid envelopes are logged, committed and skipped.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	if c.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("FetchMessage error", logging.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		env, err := ParseEnvelope(m.Value)
		if err != nil {
			c.skipped.Add(1)
			c.logger.Warn("skipping undecodable message",
				logging.String("topic", m.Topic),
				logging.Int64("offset", m.Offset),
				logging.Err(err))
		} else if err := handler(ctx, env); err != nil {
			return err
		} else {
			c.consumed.Add(1)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("CommitMessages failed", logging.Err(err))
		}
	}
}

// Stats returns the number of handled and skipped messages.
func (c *Consumer) Stats() (consumed, skipped int64) {
	return c.consumed.Load(), c.skipped.Load()
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
