package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entralink/internal/token/models"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/platform/tx"
)

// Store persists tokens in PostgreSQL.
type Store struct {
	db tx.Executor
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewTx binds a Store to an open transaction.
func NewTx(sqlTx *sql.Tx) *Store {
	return &Store{db: sqlTx}
}

func (s *Store) Upsert(ctx context.Context, t *models.Token) error {
	query := `
		INSERT INTO tokens (owner, resource, access_token, refresh_token, id_token, scope, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner, resource) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			id_token = EXCLUDED.id_token,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		string(t.Owner), t.Resource, t.AccessToken, t.RefreshToken, t.IDToken, t.Scope, t.ExpiresAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, owner models.Owner, resource string) (*models.Token, error) {
	query := `
		SELECT owner, resource, access_token, refresh_token, id_token, scope, expires_at, updated_at
		FROM tokens WHERE owner = $1 AND resource = $2
	`
	t, err := scanToken(s.db.QueryRowContext(ctx, query, string(owner), resource))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find token: %w", err)
	}
	return t, nil
}

func (s *Store) DeleteByOwner(ctx context.Context, owner models.Owner) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE owner = $1`, string(owner))
	if err != nil {
		return 0, fmt.Errorf("delete tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tokens rows: %w", err)
	}
	return int(n), nil
}

func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]models.Token, error) {
	query := `
		SELECT owner, resource, access_token, refresh_token, id_token, scope, expires_at, updated_at
		FROM tokens
		WHERE refresh_token <> '' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()

	var out []models.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*models.Token, error) {
	var (
		t     models.Token
		owner string
	)
	if err := row.Scan(&owner, &t.Resource, &t.AccessToken, &t.RefreshToken, &t.IDToken, &t.Scope, &t.ExpiresAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Owner = models.Owner(owner)
	return &t, nil
}
