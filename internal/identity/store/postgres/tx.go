package postgres

import (
	"context"
	"database/sql"
	"time"

	"entralink/internal/identity/store"
	tokenpg "entralink/internal/token/store/postgres"
	"entralink/pkg/platform/tx"
)

// Tx runs identity transitions inside one SQL transaction.
type Tx struct {
	db      *sql.DB
	timeout time.Duration
}

func NewTx(db *sql.DB) *Tx {
	return &Tx{db: db, timeout: tx.DefaultTimeout}
}

func (t *Tx) RunInTx(ctx context.Context, fn func(stores store.TxStores) error) error {
	return tx.Run(ctx, t.db, t.timeout, func(_ context.Context, sqlTx *sql.Tx) error {
		return fn(store.TxStores{
			Users:   NewUsers(sqlTx),
			Links:   NewLinks(sqlTx),
			Matches: NewMatches(sqlTx),
			Tokens:  tokenpg.NewTx(sqlTx),
		})
	})
}
