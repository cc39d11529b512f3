package loginstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authgate/pkg/platform/sentinel"
)

// InMemoryStore holds pending login state in process memory. Suitable for
// single-instance deployments and tests; use the Redis store when the
// gateway runs more than one replica, since the callback may land on a
// different instance than the one that began the login.
type InMemoryStore struct {
	mu      sync.Mutex
	pending map[string]Record
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithClock sets the clock function for testability.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore constructs an empty in-memory login state store.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		pending: make(map[string]Record),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[rec.State] = rec
	return nil
}

// Consume removes and returns the record for state. Expired records are
// also removed, so expiry holds even if the sweeper has not run yet.
func (s *InMemoryStore) Consume(_ context.Context, state string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[state]
	if !ok {
		return Record{}, fmt.Errorf("login state not found: %w", sentinel.ErrNotFound)
	}
	delete(s.pending, state)

	if s.now().After(rec.ExpiresAt) {
		return Record{}, fmt.Errorf("login state expired: %w", sentinel.ErrExpired)
	}
	return rec, nil
}

// StartSweeper launches a background goroutine that evicts expired entries
// every interval, bounding memory under a stream of abandoned logins.
// Stop terminates it.
func (s *InMemoryStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper goroutine. Safe to call more than once.
func (s *InMemoryStore) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *InMemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	evicted := 0
	for state, rec := range s.pending {
		if now.After(rec.ExpiresAt) {
			delete(s.pending, state)
			evicted++
		}
	}
	return evicted
}
