// Package publish holds the broker transports behind emitter.Publisher.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"reqguard/internal/config"
	"reqguard/internal/emitter"
)

// New builds the publisher selected by cfg.Driver.
func New(cfg config.EventsConfig, logger *slog.Logger) (emitter.Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "kafka":
		return NewKafka(cfg.Brokers, cfg.Destination, logger), nil
	case "nats":
		return NewNATS(cfg.NATSURL, cfg.Destination, cfg.RoutingKey, logger)
	case "", "log":
		return NewLog(cfg.Destination, logger), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// Kafka writes each event to the destination topic. The routing key becomes
// the message key so one deployment's events land on one partition.
type Kafka struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	if logger != nil {
		logger.Info("kafka publisher enabled", "brokers", brokers, "topic", topic)
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (k *Kafka) Publish(ctx context.Context, msg emitter.Message) error {
	if err := k.writer.WriteMessages(ctx, kafkaMessage(msg)); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func kafkaMessage(msg emitter.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return kafka.Message{Key: msg.Key, Value: msg.Body, Headers: headers}
}

// NATS publishes to "<destination>.<routing key>".
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, destination, routingKey string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("reqguard"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	subject := natsSubject(destination, routingKey)
	if logger != nil {
		logger.Info("nats publisher enabled", "url", url, "subject", subject)
	}
	return &NATS{conn: conn, subject: subject}, nil
}

func natsSubject(destination, routingKey string) string {
	if routingKey == "" {
		return destination
	}
	if destination == "" {
		return routingKey
	}
	return destination + "." + routingKey
}

func (n *NATS) Publish(ctx context.Context, msg emitter.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := nats.NewMsg(n.subject)
	m.Data = msg.Body
	for key, value := range msg.Headers {
		m.Header.Set(key, value)
	}
	if err := n.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("nats publish %s: %w", n.subject, err)
	}
	return nil
}

func (n *NATS) Close() error {
	return n.conn.Drain()
}

// Log writes events to the structured log instead of a broker.
type Log struct {
	destination string
	logger      *slog.Logger
}

func NewLog(destination string, logger *slog.Logger) *Log {
	return &Log{destination: destination, logger: logger}
}

func (l *Log) Publish(_ context.Context, msg emitter.Message) error {
	if l.logger != nil {
		l.logger.Info("security event published",
			"destination", l.destination,
			"routing_key", string(msg.Key),
			"event", string(msg.Body),
		)
	}
	return nil
}

func (l *Log) Close() error {
	return nil
}
