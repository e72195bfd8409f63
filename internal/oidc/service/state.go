package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entralink/internal/oidc/models"
	"entralink/internal/platform/metrics"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/requestcontext"
)

const randomBytes = 32

// StateStore persists outstanding authorization requests.
type StateStore interface {
	Save(ctx context.Context, st *models.AuthState) error
	// Take atomically returns and deletes the state.
	Take(ctx context.Context, state string) (*models.AuthState, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StateManager issues and redeems single-use state/nonce pairs.
type StateManager struct {
	store   StateStore
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewStateManager(store StateStore, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *StateManager {
	return &StateManager{store: store, ttl: ttl, logger: logger, metrics: m}
}

// Issue creates a fresh state and nonce bound to data.
func (m *StateManager) Issue(ctx context.Context, data map[string]string) (string, string, error) {
	state, err := randomValue()
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate state")
	}
	nonce, err := randomValue()
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate nonce")
	}
	err = m.store.Save(ctx, &models.AuthState{
		State:     state,
		Nonce:     nonce,
		Data:      data,
		CreatedAt: requestcontext.Now(ctx),
	})
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to save state")
	}
	return state, nonce, nil
}

// Redeem consumes a state. A state that was never issued, was already
// redeemed or has outlived the TTL is UnknownState.
func (m *StateManager) Redeem(ctx context.Context, state string) (*models.AuthState, error) {
	st, err := m.store.Take(ctx, state)
	if errors.Is(err, sentinel.ErrNotFound) {
		m.metrics.IncStateRedemption("unknown")
		return nil, dErrors.New(dErrors.CodeUnknownState, "unknown state")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to redeem state")
	}
	if m.ttl > 0 && requestcontext.Now(ctx).Sub(st.CreatedAt) > m.ttl {
		m.metrics.IncStateRedemption("expired")
		m.logger.WarnContext(ctx, "expired state redeemed",
			"created_at", st.CreatedAt,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, dErrors.New(dErrors.CodeUnknownState, "unknown state")
	}
	m.metrics.IncStateRedemption("ok")
	return st, nil
}

// Reap deletes states older than the TTL. Without a TTL states never expire
// and nothing is reaped.
func (m *StateManager) Reap(ctx context.Context) (int, error) {
	if m.ttl <= 0 {
		return 0, nil
	}
	n, err := m.store.DeleteOlderThan(ctx, requestcontext.Now(ctx).Add(-m.ttl))
	if err != nil {
		return 0, fmt.Errorf("reap states: %w", err)
	}
	m.logger.InfoContext(ctx, "reaped auth states", "count", n)
	return n, nil
}

func randomValue() (string, error) {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
