// Package service is the identity link state machine: it turns a verified
// remote identity into a signed-in local account, and applies the directory
// sync mutations under the same linking rules.
package service

import (
	"log/slog"

	"entralink/internal/directory/fieldmap"
	"entralink/internal/identity/store"
	"entralink/internal/platform/metrics"
)

type Service struct {
	users   store.UserStore
	links   store.LinkStore
	matches store.MatchStore
	photos  store.PhotoStore
	tx      store.Tx

	loginMap     fieldmap.Map
	provisioning bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type Option func(*Service)

// WithLoginFieldMap sets the rules applied to ID-token claims at sign-in.
func WithLoginFieldMap(m fieldmap.Map) Option {
	return func(s *Service) { s.loginMap = m }
}

// WithProvisioning controls whether unknown identities get a new account.
func WithProvisioning(enabled bool) Option {
	return func(s *Service) { s.provisioning = enabled }
}

func WithPhotoStore(p store.PhotoStore) Option {
	return func(s *Service) { s.photos = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(users store.UserStore, links store.LinkStore, matches store.MatchStore, tx store.Tx, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		users:        users,
		links:        links,
		matches:      matches,
		tx:           tx,
		provisioning: true,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
