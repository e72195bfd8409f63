// Package service runs the authorization-code login flow: state issue and
// redemption, code exchange, ID-token verification, and hand-off to the
// identity link state machine.
package service

import (
	"context"
	"log/slog"
	"strings"

	identitymodels "entralink/internal/identity/models"
	"entralink/internal/oidc/models"
	tokenmodels "entralink/internal/token/models"
	id "entralink/pkg/domain"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/requestcontext"
)

// CodeExchanger is the token endpoint client.
type CodeExchanger interface {
	AuthURL(state, nonce string) string
	Exchange(ctx context.Context, code string) (*tokenmodels.Grant, error)
}

// IDTokenVerifier validates an ID token against the nonce of its state.
type IDTokenVerifier interface {
	Verify(ctx context.Context, raw, expectedNonce string) (*models.IDTokenClaims, error)
}

// IdentityService runs the link state machine.
type IdentityService interface {
	Login(ctx context.Context, in identitymodels.LoginInput) (*identitymodels.LoginResult, error)
}

// BeginInput starts a login or a connect.
type BeginInput struct {
	Redirect string
	// Connect is set when a signed-in user links their own account.
	Connect        bool
	ConnectionOnly bool
	CurrentUserID  id.UserID
}

// CallbackInput carries the sanitized redirect parameters.
type CallbackInput struct {
	State            string
	Code             string
	ErrorDescription string
	// CurrentUserID is the session user at callback time, nil if anonymous.
	CurrentUserID id.UserID
}

// CompleteResult is a finished login.
type CompleteResult struct {
	Login    *identitymodels.LoginResult
	Redirect string
}

type Flow struct {
	states    *StateManager
	exchanger CodeExchanger
	verifier  IDTokenVerifier
	identity  IdentityService
	resource  string
	logger    *slog.Logger
}

func NewFlow(states *StateManager, exchanger CodeExchanger, verifier IDTokenVerifier, identity IdentityService, resource string, logger *slog.Logger) *Flow {
	return &Flow{
		states:    states,
		exchanger: exchanger,
		verifier:  verifier,
		identity:  identity,
		resource:  resource,
		logger:    logger,
	}
}

// Begin issues a state and returns the provider redirect URL.
func (f *Flow) Begin(ctx context.Context, in BeginInput) (string, error) {
	data := map[string]string{
		models.DataRedirect: safeRedirect(in.Redirect),
		models.DataConnect:  models.ConnectAuth,
	}
	if in.Connect {
		if in.CurrentUserID.IsNil() {
			return "", dErrors.New(dErrors.CodeUnauthorized, "sign in before connecting an account")
		}
		data[models.DataConnect] = models.ConnectLink
		data[models.DataUserID] = in.CurrentUserID.String()
		if in.ConnectionOnly {
			data[models.DataConnectionOnly] = "1"
		}
	}
	state, nonce, err := f.states.Issue(ctx, data)
	if err != nil {
		return "", err
	}
	return f.exchanger.AuthURL(state, nonce), nil
}

// Complete handles the authorization redirect. The state is consumed before
// anything else happens, so a replayed callback fails without side effects.
func (f *Flow) Complete(ctx context.Context, in CallbackInput) (*CompleteResult, error) {
	if in.State == "" {
		return nil, dErrors.New(dErrors.CodeAuthorization, "missing state")
	}
	st, err := f.states.Redeem(ctx, in.State)
	if err != nil {
		return nil, err
	}
	if in.ErrorDescription != "" {
		f.logger.WarnContext(ctx, "provider returned an authorization error",
			"error_description", in.ErrorDescription,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, dErrors.New(dErrors.CodeAuthorization, "authorization was not granted")
	}
	if in.Code == "" {
		return nil, dErrors.New(dErrors.CodeAuthorization, "missing authorization code")
	}

	link, err := linkContext(st, in.CurrentUserID)
	if err != nil {
		return nil, err
	}

	grant, err := f.exchanger.Exchange(ctx, in.Code)
	if err != nil {
		f.logger.ErrorContext(ctx, "code exchange failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, err
	}
	claims, err := f.verifier.Verify(ctx, grant.IDToken, st.Nonce)
	if err != nil {
		f.logger.WarnContext(ctx, "id token rejected",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, err
	}

	result, err := f.identity.Login(ctx, identitymodels.LoginInput{
		Identity: claims.Identity(),
		Grant:    grant,
		Resource: f.resource,
		Link:     link,
	})
	if err != nil {
		return nil, err
	}
	return &CompleteResult{Login: result, Redirect: st.Data[models.DataRedirect]}, nil
}

// linkContext rebuilds the caller context recorded at Begin. A connect
// must finish in the session that started it.
func linkContext(st *models.AuthState, current id.UserID) (identitymodels.LinkContext, error) {
	if !st.Linking() {
		return identitymodels.LinkContext{}, nil
	}
	userID, err := id.ParseUserID(st.Data[models.DataUserID])
	if err != nil {
		return identitymodels.LinkContext{}, dErrors.New(dErrors.CodeAuthorization, "state has no connecting user")
	}
	if current != userID {
		return identitymodels.LinkContext{}, dErrors.New(dErrors.CodeUnauthorized, "connect finished in a different session")
	}
	return identitymodels.LinkContext{
		CurrentUserID:  userID,
		ConnectionOnly: st.Data[models.DataConnectionOnly] == "1",
	}, nil
}

// safeRedirect keeps only same-site relative paths.
func safeRedirect(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, "\\") {
		return "/"
	}
	return target
}
