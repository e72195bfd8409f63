package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	identitymodels "entralink/internal/identity/models"
	identityservice "entralink/internal/identity/service"
	identitymemory "entralink/internal/identity/store/memory"
	"entralink/internal/oidc/service"
	"entralink/internal/oidc/store/state"
	"entralink/internal/oidc/verifier"
	"entralink/internal/platform/middleware"
	"entralink/internal/session"
	tokenmodels "entralink/internal/token/models"
	tokenmemory "entralink/internal/token/store/memory"
	id "entralink/pkg/domain"
	"entralink/pkg/testutil"
)

const resource = "https://graph.microsoft.com"

type HandlerSuite struct {
	suite.Suite
	router   *chi.Mux
	users    *identitymemory.Users
	links    *identitymemory.Links
	tokens   *tokenmemory.Store
	sessions *session.Service
	idClaims jwt.MapClaims
	exchange int
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.exchange = 0
	s.idClaims = jwt.MapClaims{
		"sub": "sub-alice",
		"oid": "oid-alice",
		"upn": "alice@tenant.onmicrosoft.com",
	}

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.exchange++
		raw, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, s.idClaims).SignedString([]byte("idp-key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"id_token":      raw,
			"expires_in":    3600,
		})
	}))
	s.T().Cleanup(tokenSrv.Close)

	s.users = identitymemory.NewUsers()
	s.links = identitymemory.NewLinks()
	matches := identitymemory.NewMatches()
	s.tokens = tokenmemory.New()
	identity := identityservice.New(s.users, s.links, matches, identitymemory.NewTx(s.users, s.links, matches, s.tokens), logger)

	exchanger := service.NewExchanger(service.ExchangeConfig{
		ClientID:    "client-1",
		AuthURL:     "https://login.example.test/authorize",
		TokenURL:    tokenSrv.URL,
		RedirectURL: "https://lms.example.test/auth/oidc/callback",
		Resource:    resource,
	})
	states := service.NewStateManager(state.NewInMemory(), 10*time.Minute, logger, nil)
	flow := service.NewFlow(states, exchanger, verifier.NewUnverified(), identity, resource, logger)

	s.sessions = session.New("test-signing-key", "entralink", time.Hour)
	s.router = chi.NewRouter()
	s.router.Use(middleware.RequestID)
	New(flow, identity, s.sessions, logger, false).Register(s.router)
}

func (s *HandlerSuite) do(method, target string, cookie *http.Cookie, body any) *httptest.ResponseRecorder {
	req := testutil.NewJSONRequest(s.T(), method, target, body)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return testutil.Do(s.router, req)
}

// startLogin follows /login and binds the issued nonce into the next ID token.
func (s *HandlerSuite) startLogin(query string, cookie *http.Cookie) string {
	w := s.do(http.MethodGet, "/auth/oidc/login"+query, cookie, nil)
	s.Require().Equal(http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	s.Require().NoError(err)
	s.idClaims["nonce"] = loc.Query().Get("nonce")
	return loc.Query().Get("state")
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	return nil
}

func (s *HandlerSuite) errorCode(w *httptest.ResponseRecorder) string {
	return testutil.ErrorCode(s.T(), w)
}

func (s *HandlerSuite) TestLoginProvisionsAndSetsSession() {
	st := s.startLogin("?redirect=/my/", nil)

	w := s.do(http.MethodGet, "/auth/oidc/callback?code=code-1&state="+st, nil, nil)
	s.Require().Equal(http.StatusFound, w.Code, w.Body.String())
	s.Equal("/my/", w.Header().Get("Location"))

	cookie := sessionCookie(w)
	s.Require().NotNil(cookie)
	s.True(cookie.HttpOnly)
	userID, err := s.sessions.Validate(cookie.Value)
	s.Require().NoError(err)

	user, err := s.users.FindByID(s.T().Context(), userID)
	s.Require().NoError(err)
	s.Equal("alice@tenant.onmicrosoft.com", user.Username)
	tok, err := s.tokens.Find(s.T().Context(), tokenmodels.UserOwner(userID), resource)
	s.Require().NoError(err)
	s.Equal("at-1", tok.AccessToken)

	s.Run("replayed callback fails", func() {
		w := s.do(http.MethodGet, "/auth/oidc/callback?code=code-1&state="+st, nil, nil)
		s.Equal(http.StatusUnauthorized, w.Code)
		s.Equal("login_failed", s.errorCode(w))
		s.Equal(1, s.exchange)
	})
}

func (s *HandlerSuite) TestUnknownState() {
	w := s.do(http.MethodGet, "/auth/oidc/callback?code=code-1&state=S1", nil, nil)
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal("login_failed", s.errorCode(w))
	s.Equal(0, s.exchange)
	s.Equal(0, s.users.Count())
	s.Equal(0, s.tokens.Len())
}

func (s *HandlerSuite) TestRejectsUnsafeParameters() {
	st := s.startLogin("", nil)
	for _, query := range []string{
		"?code=code-1&state=" + url.QueryEscape(st+"<"),
		"?code=" + url.QueryEscape("a b") + "&state=" + st,
		"?code=code-1&state=" + st + "&error_description=" + url.QueryEscape("access denied"),
	} {
		w := s.do(http.MethodGet, "/auth/oidc/callback"+query, nil, nil)
		s.Equal(http.StatusUnauthorized, w.Code, query)
	}
	s.Equal(0, s.exchange)
}

func (s *HandlerSuite) TestNonceMismatch() {
	st := s.startLogin("", nil)
	s.idClaims["nonce"] = "forged"
	w := s.do(http.MethodGet, "/auth/oidc/callback?code=code-1&state="+st, nil, nil)
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal(0, s.users.Count())
}

func (s *HandlerSuite) TestIdentityConflictIsSpecific() {
	s.Require().NoError(s.users.Create(s.T().Context(), &identitymodels.User{
		ID:           id.NewUserID(),
		Username:     "alice@tenant.onmicrosoft.com",
		AuthMethod:   identitymodels.AuthLocal,
		PasswordHash: "hash",
	}))
	st := s.startLogin("", nil)
	w := s.do(http.MethodGet, "/auth/oidc/callback?code=code-1&state="+st, nil, nil)
	s.Equal(http.StatusConflict, w.Code)
	s.Equal("already_matched", s.errorCode(w))
}

func (s *HandlerSuite) TestConnectAndDisconnect() {
	local := &identitymodels.User{ID: id.NewUserID(), Username: "alice", AuthMethod: identitymodels.AuthLocal, PasswordHash: "prior-hash"}
	s.Require().NoError(s.users.Create(s.T().Context(), local))
	token, err := s.sessions.Issue(local.ID, "")
	s.Require().NoError(err)
	cookie := &http.Cookie{Name: session.CookieName, Value: token}

	s.Run("connect requires a session", func() {
		w := s.do(http.MethodGet, "/auth/oidc/login?connect=1", nil, nil)
		s.Equal(http.StatusUnauthorized, w.Code)
	})

	s.Run("connect links the signed-in account", func() {
		st := s.startLogin("?connect=1", cookie)
		w := s.do(http.MethodGet, "/auth/oidc/callback?code=code-1&state="+st, cookie, nil)
		s.Require().Equal(http.StatusFound, w.Code, w.Body.String())
		link, err := s.links.FindByUserID(s.T().Context(), local.ID)
		s.Require().NoError(err)
		s.Equal("oid-alice", link.RemoteID)
	})

	s.Run("disconnect requires a session", func() {
		w := s.do(http.MethodPost, "/auth/oidc/disconnect", nil, nil)
		s.Equal(http.StatusUnauthorized, w.Code)
	})

	s.Run("disconnect restores local auth", func() {
		w := s.do(http.MethodPost, "/auth/oidc/disconnect", cookie, nil)
		s.Require().Equal(http.StatusNoContent, w.Code, w.Body.String())
		got, err := s.users.FindByID(s.T().Context(), local.ID)
		s.Require().NoError(err)
		s.Equal(identitymodels.AuthLocal, got.AuthMethod)
		s.Equal("prior-hash", got.PasswordHash)
	})
}

func (s *HandlerSuite) TestDisconnectProvisionedUserNeedsPassword() {
	st := s.startLogin("", nil)
	w := s.do(http.MethodGet, "/auth/oidc/callback?code=code-1&state="+st, nil, nil)
	s.Require().Equal(http.StatusFound, w.Code, w.Body.String())
	cookie := sessionCookie(w)
	s.Require().NotNil(cookie)

	w = s.do(http.MethodPost, "/auth/oidc/disconnect", cookie, nil)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal(1, s.links.Count(), "failed disconnect leaves the link in place")

	w = s.do(http.MethodPost, "/auth/oidc/disconnect", cookie, map[string]any{"new_password": "correct horse battery"})
	s.Require().Equal(http.StatusNoContent, w.Code, w.Body.String())
	s.Zero(s.links.Count())
	s.Zero(s.tokens.Len())
}
