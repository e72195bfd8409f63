package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	identitymodels "entralink/internal/identity/models"
	"entralink/internal/oidc/models"
	"entralink/internal/oidc/service/mocks"
	"entralink/internal/oidc/store/state"
	tokenmodels "entralink/internal/token/models"
	id "entralink/pkg/domain"
	dErrors "entralink/pkg/domain-errors"
)

//go:generate mockgen -source=flow.go -destination=mocks/mocks.go -package=mocks CodeExchanger,IDTokenVerifier,IdentityService

type FlowSuite struct {
	suite.Suite
	ctx       context.Context
	ctrl      *gomock.Controller
	exchanger *mocks.MockCodeExchanger
	verifier  *mocks.MockIDTokenVerifier
	identity  *mocks.MockIdentityService
	flow      *Flow
}

func TestFlowSuite(t *testing.T) {
	suite.Run(t, new(FlowSuite))
}

func (s *FlowSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.exchanger = mocks.NewMockCodeExchanger(s.ctrl)
	s.verifier = mocks.NewMockIDTokenVerifier(s.ctrl)
	s.identity = mocks.NewMockIdentityService(s.ctrl)
	states := NewStateManager(state.NewInMemory(), 10*time.Minute, discardLogger(), nil)
	s.flow = NewFlow(states, s.exchanger, s.verifier, s.identity, "https://graph.microsoft.com", discardLogger())
}

func (s *FlowSuite) TearDownTest() {
	s.ctrl.Finish()
}

// begin runs Begin and returns the issued state and nonce.
func (s *FlowSuite) begin(in BeginInput) (string, string) {
	var gotState, gotNonce string
	s.exchanger.EXPECT().AuthURL(gomock.Any(), gomock.Any()).DoAndReturn(func(st, nonce string) string {
		gotState, gotNonce = st, nonce
		return "https://login.example.test/authorize?state=" + url.QueryEscape(st)
	})
	redirect, err := s.flow.Begin(s.ctx, in)
	s.Require().NoError(err)
	s.Contains(redirect, url.QueryEscape(gotState))
	return gotState, gotNonce
}

func claimsFor(oid, upn string) *models.IDTokenClaims {
	return &models.IDTokenClaims{ObjectID: oid, UPN: upn, RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-" + oid}}
}

func (s *FlowSuite) TestComplete_AnonymousLogin() {
	st, nonce := s.begin(BeginInput{Redirect: "/course/view.php?id=2"})
	grant := &tokenmodels.Grant{AccessToken: "at", IDToken: "raw-id"}
	user := &identitymodels.User{ID: id.NewUserID(), Username: "alice@tenant.onmicrosoft.com"}

	s.exchanger.EXPECT().Exchange(gomock.Any(), "code-1").Return(grant, nil)
	s.verifier.EXPECT().Verify(gomock.Any(), "raw-id", nonce).Return(claimsFor("oid-alice", "alice@tenant.onmicrosoft.com"), nil)
	s.identity.EXPECT().Login(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, in identitymodels.LoginInput) (*identitymodels.LoginResult, error) {
		s.Equal("oid-alice", in.Identity.RemoteID)
		s.Same(grant, in.Grant)
		s.Equal("https://graph.microsoft.com", in.Resource)
		s.False(in.Link.Authenticated())
		return &identitymodels.LoginResult{User: user, Outcome: identitymodels.OutcomeProvisioned}, nil
	})

	result, err := s.flow.Complete(s.ctx, CallbackInput{State: st, Code: "code-1"})
	s.Require().NoError(err)
	s.Equal(user.ID, result.Login.User.ID)
	s.Equal("/course/view.php?id=2", result.Redirect)
}

func (s *FlowSuite) TestComplete_ReplayedState() {
	st, nonce := s.begin(BeginInput{})
	s.exchanger.EXPECT().Exchange(gomock.Any(), "code-1").Return(&tokenmodels.Grant{AccessToken: "at", IDToken: "raw"}, nil)
	s.verifier.EXPECT().Verify(gomock.Any(), "raw", nonce).Return(claimsFor("oid-1", "u@t"), nil)
	s.identity.EXPECT().Login(gomock.Any(), gomock.Any()).Return(&identitymodels.LoginResult{User: &identitymodels.User{}}, nil)

	_, err := s.flow.Complete(s.ctx, CallbackInput{State: st, Code: "code-1"})
	s.Require().NoError(err)

	_, err = s.flow.Complete(s.ctx, CallbackInput{State: st, Code: "code-1"})
	s.True(dErrors.Is(err, dErrors.CodeUnknownState))
}

func (s *FlowSuite) TestComplete_UnknownStateTouchesNothing() {
	_, err := s.flow.Complete(s.ctx, CallbackInput{State: "S1", Code: "code-1"})
	s.True(dErrors.Is(err, dErrors.CodeUnknownState))
}

func (s *FlowSuite) TestComplete_ProviderError() {
	st, _ := s.begin(BeginInput{})
	_, err := s.flow.Complete(s.ctx, CallbackInput{State: st, ErrorDescription: "AADSTS65004"})
	s.True(dErrors.Is(err, dErrors.CodeAuthorization))
}

func (s *FlowSuite) TestComplete_NonceMismatch() {
	st, nonce := s.begin(BeginInput{})
	s.exchanger.EXPECT().Exchange(gomock.Any(), "code-1").Return(&tokenmodels.Grant{AccessToken: "at", IDToken: "raw"}, nil)
	s.verifier.EXPECT().Verify(gomock.Any(), "raw", nonce).Return(nil, dErrors.New(dErrors.CodeInvalidIDToken, "id token nonce mismatch"))

	_, err := s.flow.Complete(s.ctx, CallbackInput{State: st, Code: "code-1"})
	s.True(dErrors.Is(err, dErrors.CodeInvalidIDToken))
}

func (s *FlowSuite) TestComplete_ExchangeFailure() {
	st, _ := s.begin(BeginInput{})
	s.exchanger.EXPECT().Exchange(gomock.Any(), "code-1").Return(nil, dErrors.New(dErrors.CodeTokenEndpoint, "authorization code exchange failed"))

	_, err := s.flow.Complete(s.ctx, CallbackInput{State: st, Code: "code-1"})
	s.True(dErrors.Is(err, dErrors.CodeTokenEndpoint))
}

func (s *FlowSuite) TestConnect() {
	userID := id.NewUserID()

	s.Run("requires a session to begin", func() {
		_, err := s.flow.Begin(s.ctx, BeginInput{Connect: true})
		s.True(dErrors.Is(err, dErrors.CodeUnauthorized))
	})

	s.Run("carries the link context", func() {
		st, nonce := s.begin(BeginInput{Connect: true, ConnectionOnly: true, CurrentUserID: userID})
		s.exchanger.EXPECT().Exchange(gomock.Any(), "code-1").Return(&tokenmodels.Grant{AccessToken: "at", IDToken: "raw"}, nil)
		s.verifier.EXPECT().Verify(gomock.Any(), "raw", nonce).Return(claimsFor("oid-1", "u@t"), nil)
		s.identity.EXPECT().Login(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, in identitymodels.LoginInput) (*identitymodels.LoginResult, error) {
			s.Equal(userID, in.Link.CurrentUserID)
			s.True(in.Link.ConnectionOnly)
			return &identitymodels.LoginResult{User: &identitymodels.User{ID: userID}, Outcome: identitymodels.OutcomeLinked}, nil
		})

		result, err := s.flow.Complete(s.ctx, CallbackInput{State: st, Code: "code-1", CurrentUserID: userID})
		s.Require().NoError(err)
		s.Equal(identitymodels.OutcomeLinked, result.Login.Outcome)
	})

	s.Run("must finish in the same session", func() {
		st, _ := s.begin(BeginInput{Connect: true, CurrentUserID: userID})
		_, err := s.flow.Complete(s.ctx, CallbackInput{State: st, Code: "code-1", CurrentUserID: id.NewUserID()})
		s.True(dErrors.Is(err, dErrors.CodeUnauthorized))
	})
}

func (s *FlowSuite) TestSafeRedirect() {
	s.Equal("/", safeRedirect(""))
	s.Equal("/", safeRedirect("https://evil.example"))
	s.Equal("/", safeRedirect("//evil.example"))
	s.Equal("/", safeRedirect("/\\evil.example"))
	s.Equal("/my/", safeRedirect("/my/"))
}
