package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, 10*time.Minute, cfg.OIDC.StateTTL)
		assert.Equal(t, []string{"openid", "profile", "email"}, cfg.OIDC.Scopes)
		assert.Equal(t, 4, cfg.Sync.LocalPartMinLength)
		assert.Contains(t, cfg.Sync.Actions, "create")
		assert.Empty(t, cfg.Database.URL)
	})

	t.Run("overrides from environment", func(t *testing.T) {
		t.Setenv("ENTRALINK_SYNC_ACTIONS", "create,update")
		t.Setenv("ENTRALINK_SYNC_FIELD_MAP", "givenName/firstname/always,country/country/oncreate")
		t.Setenv("ENTRALINK_OIDC_STATE_TTL", "2m")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, []string{"create", "update"}, cfg.Sync.Actions)
		assert.Len(t, cfg.Sync.FieldMap, 2)
		assert.Equal(t, 2*time.Minute, cfg.OIDC.StateTTL)
	})

	t.Run("rejects negative local part minimum", func(t *testing.T) {
		t.Setenv("ENTRALINK_SYNC_LOCALPART_MIN", "-1")
		_, err := Load()
		require.Error(t, err)
	})
}
