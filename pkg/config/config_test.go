package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CRM_POSTGRES_URL", "postgres://localhost/crm")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.Auth.PermissionCacheTTL)
	assert.Equal(t, 100, cfg.Auth.RateLimitRequests)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CRM_POSTGRES_URL", "postgres://localhost/crm")
	t.Setenv("CRM_PORT", "9000")
	t.Setenv("CRM_SESSION_TTL", "2h")
	t.Setenv("CRM_RATE_LIMIT_REQUESTS", "10")
	t.Setenv("CRM_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 10, cfg.Auth.RateLimitRequests)
}

func TestValidate(t *testing.T) {
	t.Setenv("CRM_POSTGRES_URL", "postgres://localhost/crm")
	base, err := LoadConfig()
	require.NoError(t, err)

	t.Run("missing postgres URL", func(t *testing.T) {
		cfg := *base
		cfg.Database.URL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("port collision", func(t *testing.T) {
		cfg := *base
		cfg.Server.HealthPort = cfg.Server.Port
		assert.Error(t, cfg.Validate())
	})

	t.Run("OIDC settings must pair", func(t *testing.T) {
		cfg := *base
		cfg.Auth.OIDCIssuerURL = "https://issuer.test"
		assert.Error(t, cfg.Validate())

		cfg.Auth.OIDCClientID = "crm"
		assert.NoError(t, cfg.Validate())
	})
}
