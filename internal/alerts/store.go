// Package alerts keeps the most recent security events in memory for the
// admin API.
package alerts

import (
	"sync"
	"time"

	"reqguard/internal/model"
)

const defaultLimit = 1000

// Store is a fixed-capacity ring; once full, each Add overwrites the oldest
// event.
type Store struct {
	mu   sync.RWMutex
	ring []model.SecurityEvent
	next int
	size int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Store{ring: make([]model.SecurityEvent, limit)}
}

func (s *Store) Add(ev model.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = ev
	s.next = (s.next + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

// at returns the i-th retained event counting from the oldest. Callers hold mu.
func (s *Store) at(i int) model.SecurityEvent {
	oldest := (s.next - s.size + len(s.ring)) % len(s.ring)
	return s.ring[(oldest+i)%len(s.ring)]
}

// List returns the newest limit events, oldest first. limit <= 0 means all.
func (s *Store) List(limit int) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]model.SecurityEvent, 0, limit)
	for i := s.size - limit; i < s.size; i++ {
		out = append(out, s.at(i))
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SecurityEvent, 0)
	for i := 0; i < s.size; i++ {
		if ev := s.at(i); !ev.OccurredAt.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.next, s.size = 0, 0
}
