// Package emitter moves security events off the request path. Emit never
// blocks: events are queued and published by background workers, and
// publish failures are logged and dropped.
package emitter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reqguard/internal/metrics"
	"reqguard/internal/model"
)

// Message is the transport form of one event.
type Message struct {
	Key     []byte
	Body    []byte
	Headers map[string]string
}

// Publisher delivers messages to a broker. Retries, if any, are the
// publisher's business.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Options struct {
	RoutingKey     string
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
}

type queued struct {
	msg       Message
	ip        string
	eventType model.EventType
}

type Emitter struct {
	publisher Publisher
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Store
	logLimit  *rate.Limiter

	mu      sync.RWMutex
	closed  bool
	started bool
	queue   chan queued
	wg      sync.WaitGroup
}

func New(publisher Publisher, opts Options, logger *slog.Logger, metricsStore *metrics.Store) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Emitter{
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		metrics:   metricsStore,
		logLimit:  rate.NewLimiter(rate.Every(time.Second), 5),
		queue:     make(chan queued, opts.QueueSize),
	}
}

// Start launches the publish workers. Cancelling ctx does not abort
// in-flight publishes; call Close to drain and stop.
func (e *Emitter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLocked(ctx)
}

func (e *Emitter) startLocked(ctx context.Context) {
	if e.started {
		return
	}
	e.started = true
	base := context.WithoutCancel(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for item := range e.queue {
				e.publish(base, item)
			}
		}()
	}
}

// Emit encodes ev and queues it. It returns immediately; a full or closed
// queue drops the event.
func (e *Emitter) Emit(ev model.SecurityEvent) {
	body, err := ev.Encode()
	if err != nil {
		e.warn("event encode failed", ev.IP, ev.EventType, err)
		e.metrics.IncDropped()
		return
	}
	item := queued{
		msg: Message{
			Key:  []byte(e.opts.RoutingKey),
			Body: body,
			Headers: map[string]string{
				"event-type": ev.EventType.String(),
				"severity":   ev.Severity.String(),
				"service":    ev.ServiceName,
			},
		},
		ip:        ev.IP,
		eventType: ev.EventType,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.metrics.IncDropped()
		return
	}
	select {
	case e.queue <- item:
	default:
		e.metrics.IncDropped()
		e.warn("event queue full, dropping event", ev.IP, ev.EventType, nil)
	}
}

func (e *Emitter) publish(ctx context.Context, item queued) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.PublishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, item.msg); err != nil {
		e.metrics.IncPublishFailure()
		e.warn("event publish failed", item.ip, item.eventType, err)
		return
	}
	e.metrics.IncPublished()
}

func (e *Emitter) warn(msg, ip string, t model.EventType, err error) {
	if e.logger == nil || !e.logLimit.Allow() {
		return
	}
	attrs := []any{"ip", ip, "event_type", t.String()}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	e.logger.Warn(msg, attrs...)
}

// Pending reports how many events wait in the queue.
func (e *Emitter) Pending() int {
	return len(e.queue)
}

// Close stops accepting events, publishes what is queued and closes the
// publisher. Workers are started first if Start was never called.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.startLocked(context.Background())
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
	return e.publisher.Close()
}
