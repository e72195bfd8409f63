package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entralink/internal/identity/models"
	"entralink/internal/identity/store"
	tokenmodels "entralink/internal/token/models"
	tokenmemory "entralink/internal/token/store/memory"
	id "entralink/pkg/domain"
	"entralink/pkg/platform/sentinel"
)

func TestUsers_UsernameUnique(t *testing.T) {
	ctx := context.Background()
	users := NewUsers()
	require.NoError(t, users.Create(ctx, &models.User{ID: id.NewUserID(), Username: "bob"}))

	err := users.Create(ctx, &models.User{ID: id.NewUserID(), Username: "BOB"})
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	got, err := users.FindByUsername(ctx, "Bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)
}

func TestUsers_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	users := NewUsers()
	u := &models.User{ID: id.NewUserID(), Username: "bob", Profile: models.Profile{"city": "Oslo"}}
	require.NoError(t, users.Create(ctx, u))

	got, _ := users.FindByID(ctx, u.ID)
	got.Profile["city"] = "Bergen"

	again, _ := users.FindByID(ctx, u.ID)
	assert.Equal(t, "Oslo", again.Profile["city"])
}

func TestLinks_UniqueOnBothSides(t *testing.T) {
	ctx := context.Background()
	links := NewLinks()
	u1, u2 := id.NewUserID(), id.NewUserID()
	require.NoError(t, links.Create(ctx, &models.FederationLink{UserID: u1, RemoteID: "r1", RemoteUsername: "a@x"}))

	assert.ErrorIs(t, links.Create(ctx, &models.FederationLink{UserID: u2, RemoteID: "r1"}), sentinel.ErrConflict)
	assert.ErrorIs(t, links.Create(ctx, &models.FederationLink{UserID: u1, RemoteID: "r2"}), sentinel.ErrConflict)

	got, err := links.FindByRemoteUsername(ctx, "A@X")
	require.NoError(t, err)
	assert.Equal(t, u1, got.UserID)

	require.NoError(t, links.DeleteByUserID(ctx, u1))
	_, err = links.FindByRemoteID(ctx, "r1")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestTx_RollsBackEveryStore(t *testing.T) {
	ctx := context.Background()
	users, links, matches, tokens := NewUsers(), NewLinks(), NewMatches(), tokenmemory.New()
	tx := NewTx(users, links, matches, tokens)
	boom := errors.New("token insert failed")

	err := tx.RunInTx(ctx, func(s store.TxStores) error {
		u := &models.User{ID: id.NewUserID(), Username: "alice"}
		require.NoError(t, s.Users.Create(ctx, u))
		require.NoError(t, s.Links.Create(ctx, &models.FederationLink{UserID: u.ID, RemoteID: "r1"}))
		require.NoError(t, s.Tokens.Upsert(ctx, &tokenmodels.Token{Owner: tokenmodels.UserOwner(u.ID), Resource: "graph", ExpiresAt: time.Now()}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Zero(t, users.Count())
	assert.Zero(t, links.Count())
	_, err = users.FindByUsername(ctx, "alice")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	users, links, matches := NewUsers(), NewLinks(), NewMatches()
	tx := NewTx(users, links, matches, tokenmemory.New())

	err := tx.RunInTx(ctx, func(s store.TxStores) error {
		return s.Matches.Create(ctx, &models.PendingMatch{RemoteID: "r1", UserID: id.NewUserID()})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, matches.Count())
}
