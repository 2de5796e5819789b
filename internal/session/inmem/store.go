// Package inmem provides an in-memory implementation of session.Store.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codemode-dev/codemode/internal/session"
)

// Store is an in-memory, concurrency-safe implementation of session.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	factory  session.Factory
}

// New returns an empty Store. factory builds a fresh CodeMode aggregator
// for each newly created session.
func New(factory session.Factory) *Store {
	return &Store{sessions: make(map[string]*session.Session), factory: factory}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, id string, createdAt time.Time) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[id]; ok {
		if existing.Status == session.StatusEnded {
			return nil, session.ErrSessionEnded
		}
		return existing, nil
	}

	sess := &session.Session{
		ID:         id,
		Aggregator: s.factory(),
		Status:     session.StatusActive,
		CreatedAt:  createdAt.UTC(),
	}
	s.sessions[id] = sess
	return sess, nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(_ context.Context, id string, endedAt time.Time) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if sess.Status == session.StatusEnded {
		return sess, nil
	}
	_ = sess.Aggregator.Close() // best-effort: session still ends even if a connection close errors
	at := endedAt.UTC()
	sess.Status = session.StatusEnded
	sess.EndedAt = &at
	return sess, nil
}
