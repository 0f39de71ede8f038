package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqguard/internal/model"
)

type memoryStore struct {
	mu     sync.Mutex
	events []model.SecurityEvent
	err    error
}

func (s *memoryStore) SaveEvent(_ context.Context, ev model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

type scriptedReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case r.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

const validEvent = `{"ServiceName":"orders","Ip":"203.0.113.4","EventType":1,"Severity":3,
	"Description":"/users/1' OR '1'='1","OccurredAt":"2026-04-02T10:00:00Z","StatusCode":403}`

func TestRunStoresAndCommitsEverything(t *testing.T) {
	reader := &scriptedReader{
		messages: []kafka.Message{
			{Offset: 1, Value: []byte(validEvent)},
			{Offset: 2, Value: []byte(`{"Ip":"1.2.3.4"}`)},
			{Offset: 3, Value: []byte(`not json`)},
			{Offset: 4, Value: []byte(`{"serviceName":"orders","ip":"10.0.0.1","eventType":"botdetected","severity":"1","description":"bot","occurredAt":"2026-04-02T10:00:01"}`)},
		},
		drained: make(chan struct{}, 1),
	}
	store := &memoryStore{}
	c := New(reader, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
	assert.True(t, reader.closed)
	require.Len(t, store.events, 2)
	assert.Equal(t, model.EventSQLInjection, store.events[0].EventType)
	assert.Equal(t, model.EventBotDetected, store.events[1].EventType)
	assert.Equal(t, model.SeverityWarning, store.events[1].Severity)
}

func TestHandleReportsStoreFailure(t *testing.T) {
	c := New(&scriptedReader{}, &memoryStore{err: errors.New("db down")}, nil, nil)
	assert.Equal(t, ResultFailed, c.Handle(context.Background(), []byte(validEvent)))
	assert.Equal(t, ResultInvalid, c.Handle(context.Background(), []byte(`{}`)))
}
