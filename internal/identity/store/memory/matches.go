package memory

import (
	"context"
	"fmt"
	"sync"

	"entralink/internal/identity/models"
	"entralink/pkg/platform/sentinel"
)

// Matches stores pending matches keyed by remote ID.
type Matches struct {
	mu      sync.RWMutex
	matches map[string]models.PendingMatch
}

func NewMatches() *Matches {
	return &Matches{matches: make(map[string]models.PendingMatch)}
}

func (s *Matches) Create(_ context.Context, m *models.PendingMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.RemoteID]; ok {
		return fmt.Errorf("pending match exists: %w", sentinel.ErrConflict)
	}
	s.matches[m.RemoteID] = *m
	return nil
}

func (s *Matches) FindByRemoteID(_ context.Context, remoteID string) (*models.PendingMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[remoteID]
	if !ok {
		return nil, fmt.Errorf("pending match not found: %w", sentinel.ErrNotFound)
	}
	return &m, nil
}

func (s *Matches) DeleteByRemoteID(_ context.Context, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[remoteID]; !ok {
		return fmt.Errorf("pending match not found: %w", sentinel.ErrNotFound)
	}
	delete(s.matches, remoteID)
	return nil
}

// Count returns the number of stored matches.
func (s *Matches) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches)
}

func (s *Matches) snapshot() func() {
	s.mu.RLock()
	saved := make(map[string]models.PendingMatch, len(s.matches))
	for k, v := range s.matches {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.matches = saved
		s.mu.Unlock()
	}
}
