// Package store declares the identity persistence contracts shared by the
// memory and Postgres implementations.
//
// Every method returns sentinel.ErrNotFound for a missing record and
// sentinel.ErrConflict when a uniqueness constraint rejects a write.
package store

import (
	"context"

	"entralink/internal/identity/models"
	tokenmodels "entralink/internal/token/models"
	id "entralink/pkg/domain"
)

type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
}

type LinkStore interface {
	Create(ctx context.Context, link *models.FederationLink) error
	FindByRemoteID(ctx context.Context, remoteID string) (*models.FederationLink, error)
	FindByUserID(ctx context.Context, userID id.UserID) (*models.FederationLink, error)
	FindByRemoteUsername(ctx context.Context, username string) (*models.FederationLink, error)
	DeleteByUserID(ctx context.Context, userID id.UserID) error
}

type MatchStore interface {
	Create(ctx context.Context, match *models.PendingMatch) error
	FindByRemoteID(ctx context.Context, remoteID string) (*models.PendingMatch, error)
	DeleteByRemoteID(ctx context.Context, remoteID string) error
}

type PhotoStore interface {
	Save(ctx context.Context, photo *models.Photo) error
	Find(ctx context.Context, userID id.UserID) (*models.Photo, error)
}

// TokenWriter is the slice of the token store a transition writes through.
type TokenWriter interface {
	Upsert(ctx context.Context, token *tokenmodels.Token) error
	DeleteByOwner(ctx context.Context, owner tokenmodels.Owner) (int, error)
}

// TxStores are the stores visible inside one transaction.
type TxStores struct {
	Users   UserStore
	Links   LinkStore
	Matches MatchStore
	Tokens  TokenWriter
}

// Tx is the atomic boundary for identity transitions. Either every write in
// fn commits or none does.
type Tx interface {
	RunInTx(ctx context.Context, fn func(stores TxStores) error) error
}
