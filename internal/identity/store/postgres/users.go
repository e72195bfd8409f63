// Package postgres provides the PostgreSQL identity stores.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"entralink/internal/identity/models"
	"entralink/internal/platform/postgres"
	id "entralink/pkg/domain"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/platform/tx"
)

// Users persists local accounts.
type Users struct {
	db tx.Executor
}

func NewUsers(db tx.Executor) *Users {
	return &Users{db: db}
}

const userColumns = `id, username, auth_method, password_hash, suspended, deleted, profile, created_at, updated_at`

func (s *Users) Create(ctx context.Context, u *models.User) error {
	profile, err := json.Marshal(u.Profile.Clone())
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.UUID(u.ID), u.Username, string(u.AuthMethod), u.PasswordHash,
		u.Suspended, u.Deleted, profile, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return translate(err, "create user")
	}
	return nil
}

func (s *Users) Update(ctx context.Context, u *models.User) error {
	profile, err := json.Marshal(u.Profile.Clone())
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	query := `
		UPDATE users SET
			username = $2,
			auth_method = $3,
			password_hash = $4,
			suspended = $5,
			deleted = $6,
			profile = $7,
			updated_at = $8
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		uuid.UUID(u.ID), u.Username, string(u.AuthMethod), u.PasswordHash,
		u.Suspended, u.Deleted, profile, u.UpdatedAt)
	if err != nil {
		return translate(err, "update user")
	}
	return requireRow(res, "update user")
}

func (s *Users) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, uuid.UUID(userID))
	return scanUser(row)
}

func (s *Users) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		u          models.User
		rawID      uuid.UUID
		authMethod string
		profile    []byte
	)
	err := row.Scan(&rawID, &u.Username, &authMethod, &u.PasswordHash, &u.Suspended, &u.Deleted, &profile, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ID = id.UserID(rawID)
	u.AuthMethod = models.AuthMethod(authMethod)
	if err := json.Unmarshal(profile, &u.Profile); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &u, nil
}

// translate maps driver errors onto store sentinels.
func translate(err error, op string) error {
	if postgres.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, sentinel.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return nil
}
