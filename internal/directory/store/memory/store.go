package memory

import (
	"context"
	"fmt"
	"sync"

	"entralink/internal/directory/models"
	"entralink/pkg/platform/sentinel"
)

// SyncStateStore keeps sync positions in memory.
type SyncStateStore struct {
	mu     sync.RWMutex
	states map[string]models.SyncState
}

func New() *SyncStateStore {
	return &SyncStateStore{states: make(map[string]models.SyncState)}
}

func (s *SyncStateStore) Get(_ context.Context, name string) (*models.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return nil, fmt.Errorf("sync state not found: %w", sentinel.ErrNotFound)
	}
	return &st, nil
}

func (s *SyncStateStore) Save(_ context.Context, st *models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Name] = *st
	return nil
}
