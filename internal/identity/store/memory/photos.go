package memory

import (
	"context"
	"fmt"
	"sync"

	"entralink/internal/identity/models"
	id "entralink/pkg/domain"
	"entralink/pkg/platform/sentinel"
)

type Photos struct {
	mu     sync.RWMutex
	photos map[id.UserID]models.Photo
}

func NewPhotos() *Photos {
	return &Photos{photos: make(map[id.UserID]models.Photo)}
}

func (s *Photos) Save(_ context.Context, p *models.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Data = append([]byte(nil), p.Data...)
	s.photos[p.UserID] = cp
	return nil
}

func (s *Photos) Find(_ context.Context, userID id.UserID) (*models.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.photos[userID]
	if !ok {
		return nil, fmt.Errorf("photo not found: %w", sentinel.ErrNotFound)
	}
	return &p, nil
}
