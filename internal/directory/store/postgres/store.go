package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"entralink/internal/directory/models"
	"entralink/pkg/platform/sentinel"
)

// SyncStateStore persists sync positions in the sync_state table.
type SyncStateStore struct {
	db *sql.DB
}

func New(db *sql.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, name string) (*models.SyncState, error) {
	var st models.SyncState
	err := s.db.QueryRowContext(ctx,
		`SELECT name, delta_token, updated_at FROM sync_state WHERE name = $1`, name,
	).Scan(&st.Name, &st.DeltaToken, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sync state not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find sync state: %w", err)
	}
	return &st, nil
}

func (s *SyncStateStore) Save(ctx context.Context, st *models.SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (name, delta_token, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET delta_token = EXCLUDED.delta_token, updated_at = EXCLUDED.updated_at
	`, st.Name, st.DeltaToken, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}
