// Package service owns token freshness: lookups refresh tokens that are about
// to expire, and a background pass refreshes everything nearing expiry.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"entralink/internal/platform/metrics"
	"entralink/internal/token/models"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/requestcontext"
)

// Store persists tokens, one per (owner, resource).
type Store interface {
	Upsert(ctx context.Context, token *models.Token) error
	Find(ctx context.Context, owner models.Owner, resource string) (*models.Token, error)
	DeleteByOwner(ctx context.Context, owner models.Owner) (int, error)
	ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]models.Token, error)
}

// Refresher performs the refresh_token grant for one resource.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, resource string) (*models.Grant, error)
}

// AppTokenSource yields app-only tokens (client credentials) for the system owner.
type AppTokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

const defaultRefreshSkew = 5 * time.Minute

type Service struct {
	store     Store
	refresher Refresher
	appTokens AppTokenSource
	logger    *slog.Logger
	metrics   *metrics.Metrics
	skew      time.Duration
	batch     int
}

type Option func(*Service)

// WithRefreshSkew refreshes tokens this long before they expire.
func WithRefreshSkew(skew time.Duration) Option {
	return func(s *Service) {
		if skew > 0 {
			s.skew = skew
		}
	}
}

// WithAppTokens enables the client-credentials fallback for the system owner.
func WithAppTokens(src AppTokenSource) Option {
	return func(s *Service) { s.appTokens = src }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRefreshBatch bounds how many tokens one RefreshExpiring pass considers.
func WithRefreshBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

func New(store Store, refresher Refresher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		refresher: refresher,
		logger:    logger,
		skew:      defaultRefreshSkew,
		batch:     100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save records a fresh grant for owner, replacing any existing token for the
// same resource.
func (s *Service) Save(ctx context.Context, owner models.Owner, resource string, grant *models.Grant) (*models.Token, error) {
	if grant == nil || grant.AccessToken == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "grant has no access token")
	}
	token := models.NewToken(owner, resource, grant, requestcontext.Now(ctx))
	if err := s.store.Upsert(ctx, token); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save token")
	}
	return token, nil
}

// AccessToken returns a usable token for owner, refreshing it first when it is
// within the refresh skew of expiry. An expired token is never returned.
func (s *Service) AccessToken(ctx context.Context, owner models.Owner, resource string) (*models.Token, error) {
	now := requestcontext.Now(ctx)
	token, err := s.store.Find(ctx, owner, resource)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			if owner.IsSystem() && s.appTokens != nil {
				return s.fetchAppToken(ctx, resource)
			}
			return nil, dErrors.New(dErrors.CodeNotFound, "no token for owner and resource")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load token")
	}
	if !token.ExpiresWithin(now, s.skew) {
		return token, nil
	}

	refreshed, err := s.refresh(ctx, token)
	if err == nil {
		return refreshed, nil
	}
	if !token.Expired(now) {
		s.logger.WarnContext(ctx, "token refresh failed, serving unexpired token",
			"owner", string(owner),
			"resource", resource,
			"error", err,
		)
		return token, nil
	}
	return nil, err
}

// refresh renews token and persists the result.
func (s *Service) refresh(ctx context.Context, token *models.Token) (*models.Token, error) {
	if !token.CanRefresh() {
		if token.Owner.IsSystem() && s.appTokens != nil {
			return s.fetchAppToken(ctx, token.Resource)
		}
		s.metrics.IncTokenRefresh("no_refresh_token")
		return nil, dErrors.New(dErrors.CodeTokenEndpoint, "token expired and cannot be refreshed")
	}
	grant, err := s.refresher.Refresh(ctx, token.RefreshToken, token.Resource)
	if err != nil {
		s.metrics.IncTokenRefresh("failure")
		if dErrors.HasCode(err, dErrors.CodeTokenEndpoint) {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeTokenEndpoint, "token refresh failed")
	}
	updated := *token
	updated.Apply(grant, requestcontext.Now(ctx))
	if err := s.store.Upsert(ctx, &updated); err != nil {
		s.metrics.IncTokenRefresh("failure")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save refreshed token")
	}
	s.metrics.IncTokenRefresh("success")
	return &updated, nil
}

func (s *Service) fetchAppToken(ctx context.Context, resource string) (*models.Token, error) {
	tok, err := s.appTokens.Token(ctx)
	if err != nil {
		s.metrics.IncTokenRefresh("failure")
		return nil, dErrors.Wrap(err, dErrors.CodeTokenEndpoint, "app-only token request failed")
	}
	grant := &models.Grant{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.Expiry,
	}
	saved, err := s.Save(ctx, models.SystemOwner, resource, grant)
	if err != nil {
		return nil, err
	}
	s.metrics.IncTokenRefresh("app_only")
	return saved, nil
}

// RefreshExpiring refreshes every stored token nearing expiry. Individual
// failures are logged and counted; they never fail the pass.
func (s *Service) RefreshExpiring(ctx context.Context) (models.RefreshReport, error) {
	var report models.RefreshReport
	cutoff := requestcontext.Now(ctx).Add(s.skew)
	tokens, err := s.store.ListExpiring(ctx, cutoff, s.batch)
	if err != nil {
		return report, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list expiring tokens")
	}
	for i := range tokens {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Considered++
		if _, err := s.refresh(ctx, &tokens[i]); err != nil {
			report.Failed++
			s.logger.ErrorContext(ctx, "background token refresh failed",
				"owner", string(tokens[i].Owner),
				"resource", tokens[i].Resource,
				"error", err,
			)
			continue
		}
		report.Refreshed++
	}
	s.logger.InfoContext(ctx, "token refresh pass complete",
		"considered", report.Considered,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
	)
	return report, nil
}

// Revoke removes every token held by owner.
func (s *Service) Revoke(ctx context.Context, owner models.Owner) error {
	if _, err := s.store.DeleteByOwner(ctx, owner); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete tokens")
	}
	return nil
}

// TokenSource exposes AccessToken as an oauth2.TokenSource so HTTP clients
// built with oauth2.NewClient always send a fresh bearer token.
func (s *Service) TokenSource(ctx context.Context, owner models.Owner, resource string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, svc: s, owner: owner, resource: resource}
}

type tokenSource struct {
	ctx      context.Context
	svc      *Service
	owner    models.Owner
	resource string
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	t, err := ts.svc.AccessToken(ts.ctx, ts.owner, ts.resource)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: t.AccessToken,
		TokenType:   "Bearer",
		Expiry:      t.ExpiresAt,
	}, nil
}
