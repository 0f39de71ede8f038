package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqguard/internal/metrics"
	"reqguard/internal/model"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []Message
	err      error
	block    chan struct{}
	closed   bool
}

func (p *fakePublisher) Publish(ctx context.Context, msg Message) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

func sampleEvent() model.SecurityEvent {
	return model.SecurityEvent{
		ServiceName: "orders",
		IP:          "203.0.113.5",
		EventType:   model.EventXSS,
		Severity:    model.SeverityAttack,
		Description: "cross-site scripting payload detected",
		OccurredAt:  time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC),
		StatusCode:  403,
	}
}

func TestEmitPublishesEncodedEvent(t *testing.T) {
	pub := &fakePublisher{}
	em := New(pub, Options{RoutingKey: "anormal.event", Workers: 1}, nil, metrics.NewStore())
	em.Start(context.Background())

	em.Emit(sampleEvent())
	require.NoError(t, em.Close())

	msgs := pub.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "anormal.event", string(msgs[0].Key))
	assert.Equal(t, "XSS", msgs[0].Headers["event-type"])
	assert.Equal(t, "Attack", msgs[0].Headers["severity"])

	var wire map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Body, &wire))
	assert.EqualValues(t, 2, wire["EventType"])
	assert.EqualValues(t, 3, wire["Severity"])
	assert.Equal(t, "203.0.113.5", wire["Ip"])
	assert.True(t, pub.closed)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unavailable")}
	em := New(pub, Options{Workers: 1}, nil, nil)
	em.Start(context.Background())
	for i := 0; i < 10; i++ {
		em.Emit(sampleEvent())
	}
	require.NoError(t, em.Close())
	assert.Empty(t, pub.sent())
}

func TestEmitNeverBlocksWhenQueueFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	em := New(pub, Options{QueueSize: 2, Workers: 1, PublishTimeout: time.Minute}, nil, metrics.NewStore())
	em.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			em.Emit(sampleEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled publisher")
	}
	assert.LessOrEqual(t, em.Pending(), 2)

	close(pub.block)
	require.NoError(t, em.Close())
	assert.LessOrEqual(t, len(pub.sent()), 3)
}

func TestCloseDrainsWithoutStart(t *testing.T) {
	pub := &fakePublisher{}
	em := New(pub, Options{Workers: 2}, nil, nil)
	for i := 0; i < 5; i++ {
		em.Emit(sampleEvent())
	}
	require.NoError(t, em.Close())
	assert.Len(t, pub.sent(), 5)

	em.Emit(sampleEvent())
	assert.Len(t, pub.sent(), 5, "events after Close are dropped")
	assert.NoError(t, em.Close())
}
