package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/oauth2/clientcredentials"

	"entralink/internal/directory/fieldmap"
	"entralink/internal/directory/graph"
	dirmodels "entralink/internal/directory/models"
	dirservice "entralink/internal/directory/service"
	dirmemory "entralink/internal/directory/store/memory"
	dirpostgres "entralink/internal/directory/store/postgres"
	identityservice "entralink/internal/identity/service"
	identitystore "entralink/internal/identity/store"
	identitymemory "entralink/internal/identity/store/memory"
	identitypostgres "entralink/internal/identity/store/postgres"
	oidcservice "entralink/internal/oidc/service"
	"entralink/internal/oidc/store/state"
	"entralink/internal/platform/config"
	"entralink/internal/platform/metrics"
	"entralink/internal/platform/postgres"
	"entralink/internal/platform/redis"
	tokenmodels "entralink/internal/token/models"
	tokenservice "entralink/internal/token/service"
	tokenmemory "entralink/internal/token/store/memory"
	tokenpostgres "entralink/internal/token/store/postgres"
)

// App holds the wired services shared by every command.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db    *sql.DB
	redis *redis.Client

	exchanger *oidcservice.Exchanger
	states    *oidcservice.StateManager
	tokens    *tokenservice.Service
	identity  *identityservice.Service
	syncState dirservice.SyncStateStore
}

// newApp connects the configured backends. Without a database URL every
// store is in memory; without a Redis URL authorization state lives in the
// database (or memory).
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.New(registry),
	}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
	} else {
		logger.WarnContext(ctx, "no database configured, using in-memory stores")
	}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.redis = rc

	a.exchanger = oidcservice.NewExchanger(oidcservice.ExchangeConfig{
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		AuthURL:      cfg.OIDC.AuthURL,
		TokenURL:     cfg.OIDC.TokenURL,
		RedirectURL:  cfg.OIDC.RedirectURL,
		Resource:     cfg.OIDC.Resource,
		Scopes:       cfg.OIDC.Scopes,
		Prompt:       cfg.OIDC.Prompt,
		DomainHint:   cfg.OIDC.DomainHint,
		HTTPTimeout:  cfg.OIDC.HTTPTimeout,
	})

	if err := a.wireStores(cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wireStores(cfg config.Config) error {
	loginMap, err := fieldmap.Parse(cfg.OIDC.FieldMap)
	if err != nil {
		return fmt.Errorf("ENTRALINK_OIDC_FIELD_MAP: %w", err)
	}

	var (
		tokenStore tokenservice.Store
		stateStore oidcservice.StateStore
		users      identitystore.UserStore
		links      identitystore.LinkStore
		matches    identitystore.MatchStore
		photos     identitystore.PhotoStore
		tx         identitystore.Tx
	)
	if a.db != nil {
		tokenStore = tokenpostgres.New(a.db)
		stateStore = state.NewPostgres(a.db)
		users = identitypostgres.NewUsers(a.db)
		links = identitypostgres.NewLinks(a.db)
		matches = identitypostgres.NewMatches(a.db)
		photos = identitypostgres.NewPhotos(a.db)
		tx = identitypostgres.NewTx(a.db)
		a.syncState = dirpostgres.New(a.db)
	} else {
		mt := tokenmemory.New()
		mu, ml, mm := identitymemory.NewUsers(), identitymemory.NewLinks(), identitymemory.NewMatches()
		tokenStore = mt
		stateStore = state.NewInMemory()
		users, links, matches = mu, ml, mm
		photos = identitymemory.NewPhotos()
		tx = identitymemory.NewTx(mu, ml, mm, mt)
		a.syncState = dirmemory.New()
	}
	if a.redis != nil {
		stateStore = state.NewRedis(a.redis.Client, cfg.OIDC.StateTTL)
	}

	a.states = oidcservice.NewStateManager(stateStore, cfg.OIDC.StateTTL, a.logger, a.metrics)

	tokenOpts := []tokenservice.Option{
		tokenservice.WithRefreshSkew(cfg.Tokens.RefreshSkew),
		tokenservice.WithRefreshBatch(cfg.Tokens.RefreshBatch),
		tokenservice.WithMetrics(a.metrics),
	}
	if cc := appCredentials(cfg); cc != nil {
		tokenOpts = append(tokenOpts, tokenservice.WithAppTokens(cc))
	}
	a.tokens = tokenservice.New(tokenStore, a.exchanger, a.logger, tokenOpts...)

	a.identity = identityservice.New(users, links, matches, tx, a.logger,
		identityservice.WithLoginFieldMap(loginMap),
		identityservice.WithProvisioning(cfg.OIDC.Provisioning),
		identityservice.WithPhotoStore(photos),
		identityservice.WithMetrics(a.metrics),
	)
	return nil
}

// appCredentials builds the client-credentials grant for the system token.
// It returns nil when neither a token URL nor a tenant is configured.
func appCredentials(cfg config.Config) *clientcredentials.Config {
	tokenURL := cfg.Graph.TokenURL
	if tokenURL == "" && cfg.Graph.TenantID != "" {
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.Graph.TenantID) + "/oauth2/v2.0/token"
	}
	if tokenURL == "" || cfg.OIDC.ClientID == "" {
		return nil
	}
	return &clientcredentials.Config{
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       cfg.Graph.Scopes,
	}
}

// syncEngine builds the directory engine on top of the system token.
func (a *App) syncEngine(ctx context.Context) (*dirservice.Engine, error) {
	actions, err := dirmodels.ParseActions(a.cfg.Sync.Actions)
	if err != nil {
		return nil, fmt.Errorf("ENTRALINK_SYNC_ACTIONS: %w", err)
	}
	fm, err := fieldmap.Parse(a.cfg.Sync.FieldMap)
	if err != nil {
		return nil, fmt.Errorf("ENTRALINK_SYNC_FIELD_MAP: %w", err)
	}

	src := a.tokens.TokenSource(ctx, tokenmodels.SystemOwner, a.cfg.Tokens.SystemResource)
	client := graph.New(src, a.cfg.Graph.HTTPTimeout,
		graph.WithBaseURL(a.cfg.Graph.BaseURL),
		graph.WithPageSize(a.cfg.Graph.PageSize),
		graph.WithRateLimit(a.cfg.Graph.RateLimit, a.cfg.Graph.RateBurst),
		graph.WithMaxRetries(a.cfg.Graph.MaxRetries),
		graph.WithLogger(a.logger),
		graph.WithMetrics(a.metrics),
	)
	return dirservice.New(client, a.identity, a.syncState, dirservice.Policy{
		Actions:            actions,
		FieldMap:           fm,
		LocalPartMinLength: a.cfg.Sync.LocalPartMinLength,
		Delta:              a.cfg.Sync.Delta,
		AppID:              a.cfg.Sync.AppID,
	}, a.logger, a.metrics), nil
}

// Health reports whether the configured backends answer.
func (a *App) Health(ctx context.Context) error {
	var errs []error
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
