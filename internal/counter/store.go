// Package counter implements the sliding-window counters shared by all
// in-flight requests.
package counter

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// Window labels used by the detection checks.
const (
	WindowRate  = "RATE"
	WindowBurst = "BURST"
	WindowScan  = "SCAN"
)

// Entry is a point-in-time view of one counter.
type Entry struct {
	Count     int
	Unique    int
	ExpiresAt time.Time
}

// Store is a time-windowed counter store keyed by (subject, window). Every
// mutation slides the expiry to now+d; an expired entry reads as absent and
// the next mutation starts from zero.
type Store interface {
	Increment(ctx context.Context, subject, window string, d time.Duration) (int, error)
	TrackUnique(ctx context.Context, subject, window, value string, d time.Duration) (int, error)
	Peek(ctx context.Context, subject, window string) (Entry, bool, error)
}

type key struct {
	subject string
	window  string
}

type entry struct {
	count   int
	values  map[string]struct{}
	expires time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// MemoryStore keeps counters in process. Keys are spread over independently
// locked shards so unrelated subjects never contend.
type MemoryStore struct {
	shards []*shard
	now    func() time.Time
}

func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = 64
	}
	s := &MemoryStore{
		shards: make([]*shard, shards),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[key]*entry)}
	}
	return s
}

func (s *MemoryStore) shardFor(k key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.subject))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.window))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// live returns the entry for k, replacing it when expired. Caller holds sh.mu.
func (sh *shard) live(k key, now time.Time) *entry {
	e, ok := sh.entries[k]
	if !ok || !now.Before(e.expires) {
		e = &entry{}
		sh.entries[k] = e
	}
	return e
}

func (s *MemoryStore) Increment(_ context.Context, subject, window string, d time.Duration) (int, error) {
	k := key{subject: subject, window: window}
	sh := s.shardFor(k)
	now := s.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.live(k, now)
	e.count++
	e.expires = now.Add(d)
	return e.count, nil
}

func (s *MemoryStore) TrackUnique(_ context.Context, subject, window, value string, d time.Duration) (int, error) {
	k := key{subject: subject, window: window}
	sh := s.shardFor(k)
	now := s.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.live(k, now)
	if e.values == nil {
		e.values = make(map[string]struct{})
	}
	e.values[strings.ToLower(value)] = struct{}{}
	e.expires = now.Add(d)
	return len(e.values), nil
}

func (s *MemoryStore) Peek(_ context.Context, subject, window string) (Entry, bool, error) {
	k := key{subject: subject, window: window}
	sh := s.shardFor(k)
	now := s.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	if !ok || !now.Before(e.expires) {
		return Entry{}, false, nil
	}
	return Entry{Count: e.count, Unique: len(e.values), ExpiresAt: e.expires}, true, nil
}

// Reap drops expired entries and returns how many were removed. Correctness
// does not depend on it; it only bounds memory.
func (s *MemoryStore) Reap() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !now.Before(e.expires) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len counts stored entries, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Reset drops every entry.
func (s *MemoryStore) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[key]*entry)
		sh.mu.Unlock()
	}
}

// Run reaps on every tick until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Reap()
		case <-ctx.Done():
			return
		}
	}
}
