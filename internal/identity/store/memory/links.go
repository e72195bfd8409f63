package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"entralink/internal/identity/models"
	id "entralink/pkg/domain"
	"entralink/pkg/platform/sentinel"
)

// Links stores federation links, unique on remote ID and on user ID.
type Links struct {
	mu    sync.RWMutex
	links map[string]models.FederationLink // keyed by remote ID
}

func NewLinks() *Links {
	return &Links{links: make(map[string]models.FederationLink)}
}

func (s *Links) Create(_ context.Context, link *models.FederationLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.RemoteID]; ok {
		return fmt.Errorf("remote id already linked: %w", sentinel.ErrConflict)
	}
	for _, l := range s.links {
		if l.UserID == link.UserID {
			return fmt.Errorf("user already linked: %w", sentinel.ErrConflict)
		}
	}
	s.links[link.RemoteID] = *link
	return nil
}

func (s *Links) FindByRemoteID(_ context.Context, remoteID string) (*models.FederationLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[remoteID]
	if !ok {
		return nil, fmt.Errorf("link not found: %w", sentinel.ErrNotFound)
	}
	return &l, nil
}

func (s *Links) FindByUserID(_ context.Context, userID id.UserID) (*models.FederationLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.UserID == userID {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("link not found: %w", sentinel.ErrNotFound)
}

func (s *Links) FindByRemoteUsername(_ context.Context, username string) (*models.FederationLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.RemoteUsername != "" && strings.EqualFold(l.RemoteUsername, username) {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("link not found: %w", sentinel.ErrNotFound)
}

func (s *Links) DeleteByUserID(_ context.Context, userID id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for remoteID, l := range s.links {
		if l.UserID == userID {
			delete(s.links, remoteID)
			return nil
		}
	}
	return fmt.Errorf("link not found: %w", sentinel.ErrNotFound)
}

// Count returns the number of stored links.
func (s *Links) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

func (s *Links) snapshot() func() {
	s.mu.RLock()
	saved := make(map[string]models.FederationLink, len(s.links))
	for k, v := range s.links {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.links = saved
		s.mu.Unlock()
	}
}
