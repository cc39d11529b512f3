// Package store provides the session persistence backends: in-memory for
// single-instance deployments and tests, Redis for multi-replica
// deployments, PostgreSQL where sessions must survive a cache wipe.
package store

import (
	"context"
	"fmt"
	"sync"

	"authgate/internal/session"
	"authgate/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in process memory. It intentionally favors
// clarity over performance: the delete-by variants scan, which is fine at
// the session counts a single instance serves.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]session.Session)}
}

func (s *InMemoryStore) Save(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return session.Session{}, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) DeleteByProviderSession(_ context.Context, sid string) ([]session.Session, error) {
	if sid == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []session.Session
	for id, sess := range s.sessions {
		if sess.ProviderSessionID == sid {
			removed = append(removed, sess)
			delete(s.sessions, id)
		}
	}
	return removed, nil
}

func (s *InMemoryStore) DeleteBySubject(_ context.Context, subject string) ([]session.Session, error) {
	if subject == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []session.Session
	for id, sess := range s.sessions {
		if sess.Subject == subject {
			removed = append(removed, sess)
			delete(s.sessions, id)
		}
	}
	return removed, nil
}

// Len reports the number of live sessions; used by tests.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
