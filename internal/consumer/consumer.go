// Package consumer reads security events from the broker and stores them.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"reqguard/internal/config"
	"reqguard/internal/metrics"
	"reqguard/internal/model"
	"reqguard/internal/normalize"
)

const (
	ResultStored  = "stored"
	ResultInvalid = "invalid"
	ResultFailed  = "failed"
)

type EventStore interface {
	SaveEvent(ctx context.Context, ev model.SecurityEvent) error
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaReader(cfg config.ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type Consumer struct {
	reader  MessageReader
	store   EventStore
	logger  *slog.Logger
	metrics *metrics.Store
	backoff time.Duration
}

func New(reader MessageReader, store EventStore, logger *slog.Logger, metricsStore *metrics.Store) *Consumer {
	return &Consumer{
		reader:  reader,
		store:   store,
		logger:  logger,
		metrics: metricsStore,
		backoff: time.Second,
	}
}

// Run consumes until ctx is cancelled. Every fetched message is committed
// once handled, stored or not, so a poison message is never redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.logger != nil {
				c.logger.Warn("kafka fetch error", "err", err)
			}
			select {
			case <-time.After(c.backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		c.Handle(ctx, m.Value)
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.logger != nil {
				c.logger.Warn("kafka commit error", "err", err, "partition", m.Partition, "offset", m.Offset)
			}
		}
	}
}

// Handle decodes and stores one message body and reports the outcome.
func (c *Consumer) Handle(ctx context.Context, body []byte) string {
	ev, err := normalize.Event(body)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("rejected event message", "err", err)
		}
		c.metrics.IncConsumed(ResultInvalid)
		return ResultInvalid
	}
	if err := c.store.SaveEvent(ctx, ev); err != nil {
		if c.logger != nil {
			c.logger.Error("failed to store event", "err", err, "ip", ev.IP, "event_type", ev.EventType.String())
		}
		c.metrics.IncConsumed(ResultFailed)
		return ResultFailed
	}
	if c.logger != nil {
		c.logger.Info("event saved",
			"event_type", ev.EventType.String(),
			"severity", ev.Severity.String(),
			"ip", ev.IP,
		)
	}
	c.metrics.IncConsumed(ResultStored)
	return ResultStored
}
