// Package tx holds the SQL transaction boundary shared by Postgres-backed
// RunInTx implementations.
package tx

import (
	"context"
	"database/sql"
	"time"

	dErrors "entralink/pkg/domain-errors"
)

// DefaultTimeout bounds a transaction when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Executor is the query surface shared by *sql.DB and *sql.Tx, so one store
// implementation serves both pooled and transactional use.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Run opens a transaction, hands it to fn and commits when fn succeeds.
// Any error from fn rolls the whole transaction back.
func Run(ctx context.Context, db *sql.DB, timeout time.Duration, fn func(ctx context.Context, sqlTx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(ctx, sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}
