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

type Photos struct {
	db tx.Executor
}

func NewPhotos(db tx.Executor) *Photos {
	return &Photos{db: db}
}

func (s *Photos) Save(ctx context.Context, p *models.Photo) error {
	query := `
		INSERT INTO user_photos (user_id, content_type, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			content_type = EXCLUDED.content_type,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.UUID(p.UserID), p.ContentType, p.Data, p.UpdatedAt); err != nil {
		return fmt.Errorf("save photo: %w", err)
	}
	return nil
}

func (s *Photos) Find(ctx context.Context, userID id.UserID) (*models.Photo, error) {
	p := models.Photo{UserID: userID}
	query := `SELECT content_type, data, updated_at FROM user_photos WHERE user_id = $1`
	err := s.db.QueryRowContext(ctx, query, uuid.UUID(userID)).Scan(&p.ContentType, &p.Data, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("photo not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find photo: %w", err)
	}
	return &p, nil
}
