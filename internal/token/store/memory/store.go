package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"entralink/internal/token/models"
	"entralink/pkg/platform/sentinel"
)

type key struct {
	owner    models.Owner
	resource string
}

// Store keeps tokens in memory. Writes are upserts on (owner, resource).
type Store struct {
	mu     sync.RWMutex
	tokens map[key]models.Token
}

func New() *Store {
	return &Store{tokens: make(map[key]models.Token)}
}

func (s *Store) Upsert(_ context.Context, token *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key{token.Owner, token.Resource}] = *token
	return nil
}

func (s *Store) Find(_ context.Context, owner models.Owner, resource string) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[key{owner, resource}]
	if !ok {
		return nil, fmt.Errorf("token not found: %w", sentinel.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) DeleteByOwner(_ context.Context, owner models.Owner) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.tokens {
		if k.owner == owner {
			delete(s.tokens, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// ListExpiring returns refreshable tokens expiring before cutoff, soonest first.
func (s *Store) ListExpiring(_ context.Context, cutoff time.Time, limit int) ([]models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Token
	for _, t := range s.tokens {
		if t.RefreshToken != "" && t.ExpiresAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot captures the current contents and returns a function restoring them.
func (s *Store) Snapshot() (restore func()) {
	s.mu.RLock()
	saved := make(map[key]models.Token, len(s.tokens))
	for k, v := range s.tokens {
		saved[k] = v
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.tokens = saved
		s.mu.Unlock()
	}
}
