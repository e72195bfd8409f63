package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entralink/internal/oidc/models"
	"entralink/internal/platform/postgres"
	"entralink/pkg/platform/sentinel"
)

// PostgresStore persists states in the auth_states table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, st *models.AuthState) error {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return fmt.Errorf("marshal auth state data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_states (state, nonce, data, created_at) VALUES ($1, $2, $3, $4)`,
		st.State, st.Nonce, data, st.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("auth state exists: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert auth state: %w", err)
	}
	return nil
}

// Take deletes and returns the row in one statement, so two concurrent
// callbacks can never both receive it.
func (s *PostgresStore) Take(ctx context.Context, state string) (*models.AuthState, error) {
	var (
		st   models.AuthState
		data []byte
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM auth_states WHERE state = $1 RETURNING state, nonce, data, created_at`,
		state,
	).Scan(&st.State, &st.Nonce, &data, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("auth state not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("take auth state: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st.Data); err != nil {
			return nil, fmt.Errorf("unmarshal auth state data: %w", err)
		}
	}
	return &st, nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_states WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap auth states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap auth states: %w", err)
	}
	return int(n), nil
}
