package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"entralink/internal/oidc/models"
	"entralink/pkg/platform/sentinel"
)

const stateKeyPrefix = "oidc:state:"

// RedisStore keeps states as JSON values that expire on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a store whose keys expire after ttl.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

type redisState struct {
	Nonce     string            `json:"nonce"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *RedisStore) Save(ctx context.Context, st *models.AuthState) error {
	payload, err := json.Marshal(redisState{Nonce: st.Nonce, Data: st.Data, CreatedAt: st.CreatedAt})
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, stateKeyPrefix+st.State, payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	if !ok {
		return fmt.Errorf("auth state exists: %w", sentinel.ErrConflict)
	}
	return nil
}

// Take uses GETDEL so the read and the delete are one server-side step.
func (s *RedisStore) Take(ctx context.Context, state string) (*models.AuthState, error) {
	raw, err := s.client.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("auth state not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("take auth state: %w", err)
	}
	var rs redisState
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("unmarshal auth state: %w", err)
	}
	return &models.AuthState{State: state, Nonce: rs.Nonce, Data: rs.Data, CreatedAt: rs.CreatedAt}, nil
}

// DeleteOlderThan is a no-op: Redis expires keys itself.
func (s *RedisStore) DeleteOlderThan(context.Context, time.Time) (int, error) {
	return 0, nil
}
