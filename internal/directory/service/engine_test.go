package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"entralink/internal/directory/fieldmap"
	"entralink/internal/directory/graph"
	"entralink/internal/directory/models"
	dirmemory "entralink/internal/directory/store/memory"
	identitymodels "entralink/internal/identity/models"
	identityservice "entralink/internal/identity/service"
	"entralink/internal/identity/store/memory"
	tokenmemory "entralink/internal/token/store/memory"
	id "entralink/pkg/domain"
	"entralink/pkg/requestcontext"
)

type fakeDirectory struct {
	pages        [][]models.RemoteUser
	failPage     int
	deletedPages [][]models.RemoteUser
	delta        func(skip, token string) (*models.Page, error)

	photos    map[string]*models.Photo
	photoErr  error
	timezones map[string]string
	principal string
	lookups   int
	assigned  []string
}

func paged(pages [][]models.RemoteUser, skip string) *models.Page {
	i := 0
	if skip != "" {
		i, _ = strconv.Atoi(skip)
	}
	if i >= len(pages) {
		return &models.Page{}
	}
	page := &models.Page{Users: pages[i]}
	if i+1 < len(pages) {
		page.SkipToken = strconv.Itoa(i + 1)
	}
	return page
}

func (f *fakeDirectory) ListUsers(_ context.Context, skip string) (*models.Page, error) {
	if f.failPage > 0 && skip == strconv.Itoa(f.failPage) {
		return nil, errors.New("gateway timeout")
	}
	return paged(f.pages, skip), nil
}

func (f *fakeDirectory) Delta(_ context.Context, skip, token string) (*models.Page, error) {
	return f.delta(skip, token)
}

func (f *fakeDirectory) DeletedUsers(_ context.Context, skip string) (*models.Page, error) {
	page := paged(f.deletedPages, skip)
	for i := range page.Users {
		page.Users[i].Deleted = true
	}
	return page, nil
}

func (f *fakeDirectory) Photo(_ context.Context, remoteID string) (*models.Photo, bool, error) {
	if f.photoErr != nil {
		return nil, false, f.photoErr
	}
	p, ok := f.photos[remoteID]
	return p, ok, nil
}

func (f *fakeDirectory) Timezone(_ context.Context, remoteID string) (string, error) {
	return f.timezones[remoteID], nil
}

func (f *fakeDirectory) AppServicePrincipal(context.Context, string) (string, bool, error) {
	f.lookups++
	return f.principal, f.principal != "", nil
}

func (f *fakeDirectory) AssignApp(_ context.Context, remoteID, _ string) error {
	f.assigned = append(f.assigned, remoteID)
	return nil
}

func (f *fakeDirectory) ManagerName(context.Context, string) (string, error) { return "", nil }
func (f *fakeDirectory) GroupNames(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeDirectory) TeamNames(context.Context, string) ([]string, error) { return nil, nil }

func remote(remoteID, upn string) models.RemoteUser {
	return models.RemoteUser{
		ID:                remoteID,
		UserPrincipalName: upn,
		AccountEnabled:    true,
		Attributes: map[string]string{
			"givenName": "Given " + remoteID,
			"city":      "Oslo",
		},
	}
}

type EngineSuite struct {
	suite.Suite
	ctx       context.Context
	users     *memory.Users
	links     *memory.Links
	matches   *memory.Matches
	photos    *memory.Photos
	states    *dirmemory.SyncStateStore
	identity  *identityservice.Service
	directory *fakeDirectory
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s.users = memory.NewUsers()
	s.links = memory.NewLinks()
	s.matches = memory.NewMatches()
	s.photos = memory.NewPhotos()
	s.states = dirmemory.New()
	tx := memory.NewTx(s.users, s.links, s.matches, tokenmemory.New())
	s.identity = identityservice.New(s.users, s.links, s.matches, tx, discard(), identityservice.WithPhotoStore(s.photos))
	s.directory = &fakeDirectory{}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func (s *EngineSuite) engine(actions ...models.Action) *Engine {
	return s.engineWith(Policy{}, actions...)
}

func (s *EngineSuite) engineWith(p Policy, actions ...models.Action) *Engine {
	fm, err := fieldmap.Parse([]string{"givenName/firstname/always", "city/city/onlogin"})
	s.Require().NoError(err)
	p.Actions = models.Actions{}
	for _, a := range actions {
		p.Actions[a] = true
	}
	p.FieldMap = fm
	if p.LocalPartMinLength == 0 {
		p.LocalPartMinLength = 3
	}
	return New(s.directory, s.identity, s.states, p, discard(), nil)
}

func (s *EngineSuite) seedLocal(username string) *identitymodels.User {
	u := &identitymodels.User{
		ID:           id.NewUserID(),
		Username:     username,
		AuthMethod:   identitymodels.AuthLocal,
		PasswordHash: "$2a$10$hash",
	}
	s.Require().NoError(s.users.Create(s.ctx, u))
	return u
}

func (s *EngineSuite) user(username string) *identitymodels.User {
	u, err := s.users.FindByUsername(s.ctx, username)
	s.Require().NoError(err)
	return u
}

func (s *EngineSuite) TestRun_CreatesOnceAcrossRuns() {
	s.directory.pages = [][]models.RemoteUser{
		{remote("oid-alice", "Alice@Tenant.onmicrosoft.com")},
		{remote("oid-carol", "carol@tenant.onmicrosoft.com")},
	}
	e := s.engine(models.ActionCreate, models.ActionUpdate)

	first, err := e.Run(s.ctx)
	s.Require().NoError(err)
	s.True(first.Full)
	s.Equal(2, first.Pages)
	s.Equal(2, first.Created)

	alice := s.user("alice@tenant.onmicrosoft.com")
	s.Equal(identitymodels.AuthFederated, alice.AuthMethod)
	s.Equal("Given oid-alice", alice.Profile["firstname"])
	s.NotContains(alice.Profile, "city", "onlogin rules do not run on create")

	second, err := e.Run(s.ctx)
	s.Require().NoError(err)
	s.Zero(second.Created)
	s.Equal(2, second.Updated, "onlogin fields are filled on the next pass")
	s.Equal(2, s.users.Count())
	s.Equal(2, s.links.Count())

	third, err := e.Run(s.ctx)
	s.Require().NoError(err)
	s.Zero(third.Created)
	s.Zero(third.Updated)
	s.Equal(2, s.users.Count())
	s.Equal(2, s.links.Count())
}

func (s *EngineSuite) TestRun_CreateDisabledSkips() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}

	report, err := s.engine(models.ActionUpdate).Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Skipped)
	s.Zero(s.users.Count())
}

func (s *EngineSuite) TestRun_DisabledAccountNotCreated() {
	u := remote("oid-alice", "alice@tenant.onmicrosoft.com")
	u.AccountEnabled = false
	s.directory.pages = [][]models.RemoteUser{{u}}

	report, err := s.engine(models.ActionCreate).Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Skipped)
	s.Zero(s.users.Count())
}

func (s *EngineSuite) TestRun_DeletionGraceWindow() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}
	e := s.engine(models.ActionCreate, models.ActionSuspend, models.ActionDelete)
	_, err := e.Run(s.ctx)
	s.Require().NoError(err)

	s.directory.pages = nil
	s.directory.deletedPages = [][]models.RemoteUser{{{ID: "oid-alice"}}}

	report, err := e.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Suspended)
	s.Zero(report.Deleted)
	alice := s.user("alice@tenant.onmicrosoft.com")
	s.True(alice.Suspended)
	s.False(alice.Deleted)

	report, err = e.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Deleted)
	s.True(s.user("alice@tenant.onmicrosoft.com").Deleted)
	s.Equal(1, s.links.Count(), "link survives deletion")

	report, err = e.Run(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Deleted)
	s.Zero(report.Suspended)
}

func (s *EngineSuite) TestRun_NeverDeletesUserSuspendedInSameRun() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}
	e := s.engineWith(Policy{Delta: true}, models.ActionCreate, models.ActionSuspend, models.ActionDelete)
	s.directory.delta = func(skip, token string) (*models.Page, error) {
		return &models.Page{Users: s.directory.pages[0], DeltaToken: "d1"}, nil
	}
	_, err := e.Run(s.ctx)
	s.Require().NoError(err)

	s.directory.delta = func(skip, token string) (*models.Page, error) {
		s.Equal("d1", token)
		return &models.Page{Users: []models.RemoteUser{{ID: "oid-alice", Deleted: true}}, DeltaToken: "d2"}, nil
	}
	s.directory.deletedPages = [][]models.RemoteUser{{{ID: "oid-alice"}}}

	report, err := e.Run(s.ctx)
	s.Require().NoError(err)
	s.False(report.Full)
	s.Equal(1, report.Suspended)
	s.Zero(report.Deleted)
	alice := s.user("alice@tenant.onmicrosoft.com")
	s.True(alice.Suspended)
	s.False(alice.Deleted)

	st, err := s.states.Get(s.ctx, models.UsersSyncState)
	s.Require().NoError(err)
	s.Equal("d2", st.DeltaToken)
}

func (s *EngineSuite) TestRun_TombstoneIgnoresLocalAccounts() {
	bob := s.seedLocal("bob@tenant.onmicrosoft.com")
	s.directory.pages = [][]models.RemoteUser{{{ID: "oid-bob", UserPrincipalName: "bob@tenant.onmicrosoft.com", Deleted: true}}}

	report, err := s.engine(models.ActionSuspend).Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Skipped)
	s.False(s.user(bob.Username).Suspended)
}

func (s *EngineSuite) TestRun_ExactMatchSwitchesAuth() {
	bob := s.seedLocal("bob@tenant.onmicrosoft.com")
	s.directory.pages = [][]models.RemoteUser{{remote("oid-bob", "Bob@tenant.onmicrosoft.com")}}

	report, err := s.engine(models.ActionMatch, models.ActionMatchSwitchAuth).Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Switched)

	got := s.user(bob.Username)
	s.Equal(identitymodels.AuthFederated, got.AuthMethod)
	s.Empty(got.PasswordHash)
	link, err := s.links.FindByUserID(s.ctx, bob.ID)
	s.Require().NoError(err)
	s.Equal("oid-bob", link.RemoteID)
	s.Equal("$2a$10$hash", link.PriorPasswordHash)
}

func (s *EngineSuite) TestRun_MatchWithoutSwitchRecordsPendingMatch() {
	bob := s.seedLocal("bob@tenant.onmicrosoft.com")
	s.directory.pages = [][]models.RemoteUser{{remote("oid-bob", "bob@tenant.onmicrosoft.com")}}
	e := s.engine(models.ActionMatch)

	report, err := e.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.PendingMatches)
	s.Equal(identitymodels.AuthLocal, s.user(bob.Username).AuthMethod)
	s.Zero(s.links.Count())

	m, err := s.matches.FindByRemoteID(s.ctx, "oid-bob")
	s.Require().NoError(err)
	s.Equal(bob.ID, m.UserID)

	_, err = e.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, s.matches.Count())
}

func (s *EngineSuite) TestRun_LocalPartMatch() {
	s.Run("long local part is a pending match even with switch enabled", func() {
		s.SetupTest()
		carol := s.seedLocal("carol")
		s.directory.pages = [][]models.RemoteUser{{remote("oid-carol", "carol@tenant.onmicrosoft.com")}}

		report, err := s.engine(models.ActionMatch, models.ActionMatchSwitchAuth).Run(s.ctx)
		s.Require().NoError(err)
		s.Zero(report.Switched)
		s.Equal(1, report.PendingMatches)
		s.Equal(identitymodels.AuthLocal, s.user(carol.Username).AuthMethod)
	})

	s.Run("local part at the minimum is not considered", func() {
		s.SetupTest()
		s.seedLocal("carol")
		s.directory.pages = [][]models.RemoteUser{{remote("oid-carol", "carol@tenant.onmicrosoft.com")}}

		report, err := s.engineWith(Policy{LocalPartMinLength: 5}, models.ActionMatch).Run(s.ctx)
		s.Require().NoError(err)
		s.Zero(report.PendingMatches)
		s.Equal(1, report.Skipped)
		s.Zero(s.matches.Count())
	})
}

func (s *EngineSuite) TestRun_ExactMatchBeatsLocalPart() {
	s.seedLocal("dave")
	exact := s.seedLocal("dave@tenant.onmicrosoft.com")
	s.directory.pages = [][]models.RemoteUser{{remote("oid-dave", "dave@tenant.onmicrosoft.com")}}

	_, err := s.engine(models.ActionMatch, models.ActionMatchSwitchAuth).Run(s.ctx)
	s.Require().NoError(err)

	link, err := s.links.FindByRemoteID(s.ctx, "oid-dave")
	s.Require().NoError(err)
	s.Equal(exact.ID, link.UserID)
	s.Equal(identitymodels.AuthLocal, s.user("dave").AuthMethod)
}

func (s *EngineSuite) TestRun_LinkedSubOperationsAreIsolated() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}
	_, err := s.engine(models.ActionCreate).Run(s.ctx)
	s.Require().NoError(err)

	s.directory.photoErr = errors.New("photo endpoint down")
	s.directory.timezones = map[string]string{"oid-alice": "Europe/Oslo"}

	report, err := s.engine(models.ActionPhotoSync, models.ActionTimezoneSync).Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Failed)
	s.Equal("Europe/Oslo", s.user("alice@tenant.onmicrosoft.com").Profile["timezone"])
}

func (s *EngineSuite) TestRun_PhotoSync() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}
	s.directory.photos = map[string]*models.Photo{"oid-alice": {ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}}

	_, err := s.engine(models.ActionCreate, models.ActionPhotoSync).Run(s.ctx)
	s.Require().NoError(err)
	_, err = s.engine(models.ActionPhotoSync).Run(s.ctx)
	s.Require().NoError(err)

	photo, err := s.photos.Find(s.ctx, s.user("alice@tenant.onmicrosoft.com").ID)
	s.Require().NoError(err)
	s.Equal("image/jpeg", photo.ContentType)
}

func (s *EngineSuite) TestRun_AppAssignLooksUpPrincipalOncePerRun() {
	s.directory.pages = [][]models.RemoteUser{
		{remote("oid-alice", "alice@tenant.onmicrosoft.com"), remote("oid-carol", "carol@tenant.onmicrosoft.com")},
	}
	_, err := s.engine(models.ActionCreate).Run(s.ctx)
	s.Require().NoError(err)

	s.directory.principal = "sp-1"
	e := s.engineWith(Policy{AppID: "app-1"}, models.ActionAppAssign)
	_, err = e.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, s.directory.lookups)
	s.ElementsMatch([]string{"oid-alice", "oid-carol"}, s.directory.assigned)

	_, err = e.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, s.directory.lookups, "cache does not outlive the run")
}

func (s *EngineSuite) TestRun_ReenablesActiveAccount() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}
	_, err := s.engine(models.ActionCreate).Run(s.ctx)
	s.Require().NoError(err)
	alice := s.user("alice@tenant.onmicrosoft.com")
	_, err = s.identity.Suspend(s.ctx, alice.ID)
	s.Require().NoError(err)

	report, err := s.engine(models.ActionReenable).Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Reenabled)
	s.False(s.user(alice.Username).Suspended)
}

func (s *EngineSuite) TestRun_DeletedAccountIsNotMaintained() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}
	_, err := s.engine(models.ActionCreate).Run(s.ctx)
	s.Require().NoError(err)
	alice := s.user("alice@tenant.onmicrosoft.com")
	_, err = s.identity.Delete(s.ctx, alice.ID)
	s.Require().NoError(err)

	renamed := remote("oid-alice", "alice@tenant.onmicrosoft.com")
	renamed.Attributes["givenName"] = "Renamed"
	s.directory.pages = [][]models.RemoteUser{{renamed}}
	s.directory.photos = map[string]*models.Photo{"oid-alice": {ContentType: "image/jpeg", Data: []byte{0xff}}}
	s.directory.timezones = map[string]string{"oid-alice": "Europe/Oslo"}

	report, err := s.engine(models.ActionUpdate, models.ActionReenable, models.ActionPhotoSync, models.ActionTimezoneSync).Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Skipped)
	s.Zero(report.Updated)
	s.Zero(report.Reenabled)

	got := s.user(alice.Username)
	s.True(got.Deleted)
	s.Equal("Given oid-alice", got.Profile["firstname"])
	s.NotContains(got.Profile, "timezone")
	_, err = s.photos.Find(s.ctx, alice.ID)
	s.Error(err)
}

func (s *EngineSuite) TestRun_ExpiredDeltaRestartsFull() {
	s.Require().NoError(s.states.Save(s.ctx, &models.SyncState{Name: models.UsersSyncState, DeltaToken: "stale"}))
	var tokens []string
	s.directory.delta = func(skip, token string) (*models.Page, error) {
		tokens = append(tokens, token)
		if token == "stale" {
			return nil, graph.ErrDeltaExpired
		}
		return &models.Page{Users: []models.RemoteUser{remote("oid-alice", "alice@tenant.onmicrosoft.com")}, DeltaToken: "fresh"}, nil
	}

	report, err := s.engineWith(Policy{Delta: true}, models.ActionCreate).Run(s.ctx)
	s.Require().NoError(err)
	s.True(report.Full)
	s.Equal(1, report.Created)
	s.Equal([]string{"stale", ""}, tokens)

	st, err := s.states.Get(s.ctx, models.UsersSyncState)
	s.Require().NoError(err)
	s.Equal("fresh", st.DeltaToken)
}

func (s *EngineSuite) TestRun_PageFailureStillSweeps() {
	s.directory.pages = [][]models.RemoteUser{{remote("oid-alice", "alice@tenant.onmicrosoft.com")}}
	e := s.engine(models.ActionCreate, models.ActionSuspend)
	_, err := e.Run(s.ctx)
	s.Require().NoError(err)

	s.directory.pages = [][]models.RemoteUser{
		{remote("oid-carol", "carol@tenant.onmicrosoft.com")},
		{remote("oid-erin", "erin@tenant.onmicrosoft.com")},
	}
	s.directory.failPage = 1
	s.directory.deletedPages = [][]models.RemoteUser{{{ID: "oid-alice"}}}

	report, err := e.Run(s.ctx)
	s.Require().Error(err)
	s.Equal(1, report.Created)
	s.Equal(1, report.Suspended)
	s.True(s.user("alice@tenant.onmicrosoft.com").Suspended)
}

func (s *EngineSuite) TestRun_DeltaErrorKeepsStoredToken() {
	s.Require().NoError(s.states.Save(s.ctx, &models.SyncState{Name: models.UsersSyncState, DeltaToken: "d1"}))
	s.directory.delta = func(skip, token string) (*models.Page, error) {
		if skip == "" {
			return &models.Page{SkipToken: "next"}, nil
		}
		return nil, errors.New("connection reset")
	}

	_, err := s.engineWith(Policy{Delta: true}).Run(s.ctx)
	s.Require().Error(err)
	st, err := s.states.Get(s.ctx, models.UsersSyncState)
	s.Require().NoError(err)
	s.Equal("d1", st.DeltaToken)
}
