// Package memory provides in-memory identity stores for tests and
// single-process deployments.
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

// Users stores local accounts. Usernames are unique case-insensitively.
type Users struct {
	mu    sync.RWMutex
	users map[id.UserID]models.User
}

func NewUsers() *Users {
	return &Users{users: make(map[id.UserID]models.User)}
}

func (s *Users) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user id taken: %w", sentinel.ErrConflict)
	}
	if s.usernameTakenLocked(user.Username, user.ID) {
		return fmt.Errorf("username taken: %w", sentinel.ErrConflict)
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *Users) Update(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
	}
	if s.usernameTakenLocked(user.Username, user.ID) {
		return fmt.Errorf("username taken: %w", sentinel.ErrConflict)
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *Users) FindByID(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
	}
	out := cloneUser(&u)
	return &out, nil
}

func (s *Users) FindByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			out := cloneUser(&u)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
}

// Count returns the number of stored users.
func (s *Users) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Users) usernameTakenLocked(username string, self id.UserID) bool {
	for uid, u := range s.users {
		if uid != self && strings.EqualFold(u.Username, username) {
			return true
		}
	}
	return false
}

func (s *Users) snapshot() func() {
	s.mu.RLock()
	saved := make(map[id.UserID]models.User, len(s.users))
	for k, v := range s.users {
		saved[k] = cloneUser(&v)
	}
	s.mu.RUnlock()
	return func() {
		s.mu.Lock()
		s.users = saved
		s.mu.Unlock()
	}
}

func cloneUser(u *models.User) models.User {
	out := *u
	out.Profile = u.Profile.Clone()
	return out
}
