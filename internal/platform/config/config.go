// Package config loads typed runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration shared by the server and the CLI jobs.
type Config struct {
	Server   Server
	Database Database
	Redis    RedisConfig
	OIDC     OIDC
	Graph    Graph
	Sync     Sync
	Tokens   Tokens
	LogLevel string `env:"ENTRALINK_LOG_LEVEL" envDefault:"info"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"ENTRALINK_ADDR"             envDefault:":8080"`
	SessionKey      string        `env:"ENTRALINK_SESSION_KEY"      envDefault:"dev-session-key-change-in-production"`
	SessionTTL      time.Duration `env:"ENTRALINK_SESSION_TTL"      envDefault:"8h"`
	SecureCookies   bool          `env:"ENTRALINK_SECURE_COOKIES"   envDefault:"true"`
	ShutdownTimeout time.Duration `env:"ENTRALINK_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Database configures the Postgres pool. An empty URL selects in-memory stores.
type Database struct {
	URL          string        `env:"ENTRALINK_DATABASE_URL"`
	MaxOpenConns int           `env:"ENTRALINK_DATABASE_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns int           `env:"ENTRALINK_DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLife  time.Duration `env:"ENTRALINK_DATABASE_CONN_MAX_LIFE"  envDefault:"30m"`
}

// RedisConfig configures the optional Redis backend for authorization state.
type RedisConfig struct {
	URL          string        `env:"ENTRALINK_REDIS_URL"`
	PoolSize     int           `env:"ENTRALINK_REDIS_POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"ENTRALINK_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"ENTRALINK_REDIS_DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"ENTRALINK_REDIS_READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"ENTRALINK_REDIS_WRITE_TIMEOUT"  envDefault:"3s"`
}

// OIDC describes the identity provider client registration.
type OIDC struct {
	ClientID      string        `env:"ENTRALINK_OIDC_CLIENT_ID"`
	ClientSecret  string        `env:"ENTRALINK_OIDC_CLIENT_SECRET"`
	AuthURL       string        `env:"ENTRALINK_OIDC_AUTH_URL"     envDefault:"https://login.microsoftonline.com/common/oauth2/authorize"`
	TokenURL      string        `env:"ENTRALINK_OIDC_TOKEN_URL"    envDefault:"https://login.microsoftonline.com/common/oauth2/token"`
	RedirectURL   string        `env:"ENTRALINK_OIDC_REDIRECT_URL"`
	Resource      string        `env:"ENTRALINK_OIDC_RESOURCE"     envDefault:"https://graph.microsoft.com"`
	Scopes        []string      `env:"ENTRALINK_OIDC_SCOPES"       envSeparator:"," envDefault:"openid,profile,email"`
	Issuer        string        `env:"ENTRALINK_OIDC_ISSUER"`
	VerifyIDToken bool          `env:"ENTRALINK_OIDC_VERIFY_SIGNATURE" envDefault:"false"`
	Prompt        string        `env:"ENTRALINK_OIDC_PROMPT"`
	DomainHint    string        `env:"ENTRALINK_OIDC_DOMAIN_HINT"`
	StateTTL      time.Duration `env:"ENTRALINK_OIDC_STATE_TTL"    envDefault:"10m"`
	HTTPTimeout   time.Duration `env:"ENTRALINK_OIDC_HTTP_TIMEOUT" envDefault:"15s"`
	// Provisioning controls whether unknown remote identities create local accounts at login.
	Provisioning bool `env:"ENTRALINK_OIDC_PROVISIONING" envDefault:"true"`
	// FieldMap rules applied to ID-token claims at login and create.
	FieldMap []string `env:"ENTRALINK_OIDC_FIELD_MAP" envSeparator:","`
}

// Graph configures the Microsoft Graph directory client.
type Graph struct {
	BaseURL     string        `env:"ENTRALINK_GRAPH_BASE_URL"     envDefault:"https://graph.microsoft.com/v1.0"`
	TenantID    string        `env:"ENTRALINK_GRAPH_TENANT_ID"`
	TokenURL    string        `env:"ENTRALINK_GRAPH_TOKEN_URL"`
	Scopes      []string      `env:"ENTRALINK_GRAPH_SCOPES"       envSeparator:"," envDefault:"https://graph.microsoft.com/.default"`
	PageSize    int           `env:"ENTRALINK_GRAPH_PAGE_SIZE"    envDefault:"100"`
	RateLimit   float64       `env:"ENTRALINK_GRAPH_RATE_LIMIT"   envDefault:"10"`
	RateBurst   int           `env:"ENTRALINK_GRAPH_RATE_BURST"   envDefault:"5"`
	HTTPTimeout time.Duration `env:"ENTRALINK_GRAPH_HTTP_TIMEOUT" envDefault:"30s"`
	MaxRetries  int           `env:"ENTRALINK_GRAPH_MAX_RETRIES"  envDefault:"3"`
}

// Sync configures the directory reconciliation policy.
type Sync struct {
	// Actions lists enabled reconciliation actions, see directory/models.Actions.
	Actions            []string `env:"ENTRALINK_SYNC_ACTIONS"       envSeparator:"," envDefault:"create,update,match,matchswitchauth,suspend,delete"`
	FieldMap           []string `env:"ENTRALINK_SYNC_FIELD_MAP"     envSeparator:","`
	LocalPartMinLength int      `env:"ENTRALINK_SYNC_LOCALPART_MIN" envDefault:"4"`
	Delta              bool     `env:"ENTRALINK_SYNC_DELTA"         envDefault:"false"`
	AppID              string   `env:"ENTRALINK_SYNC_APP_ID"`
}

// Tokens configures the refresh lifecycle.
type Tokens struct {
	RefreshSkew time.Duration `env:"ENTRALINK_TOKEN_REFRESH_SKEW" envDefault:"5m"`
	// SystemResource is the audience of the system-wide token used by sync.
	SystemResource string `env:"ENTRALINK_TOKEN_SYSTEM_RESOURCE" envDefault:"https://graph.microsoft.com"`
	RefreshBatch   int    `env:"ENTRALINK_TOKEN_REFRESH_BATCH"   envDefault:"100"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Sync.LocalPartMinLength < 0 {
		return Config{}, fmt.Errorf("ENTRALINK_SYNC_LOCALPART_MIN must not be negative")
	}
	return cfg, nil
}
