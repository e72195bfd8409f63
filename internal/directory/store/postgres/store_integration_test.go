//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"entralink/internal/directory/models"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/testutil/containers"
)

type StoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *SyncStateStore
	ctx   context.Context
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.store = New(s.pg.DB)
	s.ctx = context.Background()
}

func (s *StoreSuite) SetupTest() {
	s.pg.Truncate(s.T())
}

func (s *StoreSuite) TestSaveAndGet() {
	_, err := s.store.Get(s.ctx, models.UsersSyncState)
	s.ErrorIs(err, sentinel.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.Save(s.ctx, &models.SyncState{Name: models.UsersSyncState, DeltaToken: "d1", UpdatedAt: now}))
	s.Require().NoError(s.store.Save(s.ctx, &models.SyncState{Name: models.UsersSyncState, DeltaToken: "d2", UpdatedAt: now}))

	got, err := s.store.Get(s.ctx, models.UsersSyncState)
	s.Require().NoError(err)
	s.Equal("d2", got.DeltaToken)
	s.True(now.Equal(got.UpdatedAt))
}
