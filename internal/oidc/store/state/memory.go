// Package state persists outstanding authorization requests. Every backend
// implements Take as a single atomic fetch-and-delete.
package state

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"entralink/internal/oidc/models"
	"entralink/pkg/platform/sentinel"
)

// InMemoryStore keeps states in a map for tests and single-node dev.
type InMemoryStore struct {
	mu     sync.Mutex
	states map[string]models.AuthState
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]models.AuthState)}
}

func (s *InMemoryStore) Save(_ context.Context, st *models.AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.State]; ok {
		return fmt.Errorf("auth state exists: %w", sentinel.ErrConflict)
	}
	cp := *st
	cp.Data = maps.Clone(st.Data)
	s.states[st.State] = cp
	return nil
}

func (s *InMemoryStore) Take(_ context.Context, state string) (*models.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[state]
	if !ok {
		return nil, fmt.Errorf("auth state not found: %w", sentinel.ErrNotFound)
	}
	delete(s.states, state)
	return &st, nil
}

func (s *InMemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, st := range s.states {
		if st.CreatedAt.Before(cutoff) {
			delete(s.states, key)
			n++
		}
	}
	return n, nil
}
