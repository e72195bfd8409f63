package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"entralink/internal/identity/models"
	id "entralink/pkg/domain"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/platform/tx"
)

type Matches struct {
	db tx.Executor
}

func NewMatches(db tx.Executor) *Matches {
	return &Matches{db: db}
}

func (s *Matches) Create(ctx context.Context, m *models.PendingMatch) error {
	query := `INSERT INTO pending_matches (remote_id, remote_username, user_id, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, m.RemoteID, m.RemoteUsername, uuid.UUID(m.UserID), m.CreatedAt); err != nil {
		return translate(err, "create pending match")
	}
	return nil
}

func (s *Matches) FindByRemoteID(ctx context.Context, remoteID string) (*models.PendingMatch, error) {
	var (
		m     models.PendingMatch
		rawID uuid.UUID
	)
	query := `SELECT remote_id, remote_username, user_id, created_at FROM pending_matches WHERE remote_id = $1`
	err := s.db.QueryRowContext(ctx, query, remoteID).Scan(&m.RemoteID, &m.RemoteUsername, &rawID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pending match not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find pending match: %w", err)
	}
	m.UserID = id.UserID(rawID)
	return &m, nil
}

func (s *Matches) DeleteByRemoteID(ctx context.Context, remoteID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_matches WHERE remote_id = $1`, remoteID)
	if err != nil {
		return fmt.Errorf("delete pending match: %w", err)
	}
	return requireRow(res, "delete pending match")
}
