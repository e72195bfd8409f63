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

// Links persists federation links. The unique indexes on remote_id and
// user_id are the authority on link uniqueness.
type Links struct {
	db tx.Executor
}

func NewLinks(db tx.Executor) *Links {
	return &Links{db: db}
}

const linkColumns = `user_id, remote_id, remote_username, prior_password_hash, created_at`

func (s *Links) Create(ctx context.Context, l *models.FederationLink) error {
	query := `INSERT INTO federation_links (` + linkColumns + `) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, query, uuid.UUID(l.UserID), l.RemoteID, l.RemoteUsername, l.PriorPasswordHash, l.CreatedAt)
	if err != nil {
		return translate(err, "create link")
	}
	return nil
}

func (s *Links) FindByRemoteID(ctx context.Context, remoteID string) (*models.FederationLink, error) {
	return scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM federation_links WHERE remote_id = $1`, remoteID))
}

func (s *Links) FindByUserID(ctx context.Context, userID id.UserID) (*models.FederationLink, error) {
	return scanLink(s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM federation_links WHERE user_id = $1`, uuid.UUID(userID)))
}

func (s *Links) FindByRemoteUsername(ctx context.Context, username string) (*models.FederationLink, error) {
	query := `SELECT ` + linkColumns + ` FROM federation_links WHERE remote_username <> '' AND lower(remote_username) = lower($1) LIMIT 1`
	return scanLink(s.db.QueryRowContext(ctx, query, username))
}

func (s *Links) DeleteByUserID(ctx context.Context, userID id.UserID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM federation_links WHERE user_id = $1`, uuid.UUID(userID))
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return requireRow(res, "delete link")
}

func scanLink(row *sql.Row) (*models.FederationLink, error) {
	var (
		l     models.FederationLink
		rawID uuid.UUID
	)
	if err := row.Scan(&rawID, &l.RemoteID, &l.RemoteUsername, &l.PriorPasswordHash, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("link not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("scan link: %w", err)
	}
	l.UserID = id.UserID(rawID)
	return &l, nil
}
