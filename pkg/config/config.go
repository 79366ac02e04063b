package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/funnelworks/crm-core/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	LogLevel observability.LogLevel
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds redis configuration; redis backs distributed rate
// limiting and the permission-change channel and is optional.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// AuthConfig holds authentication and authorization settings
type AuthConfig struct {
	SessionTTL         time.Duration
	SessionTouchEvery  time.Duration
	PermissionCacheTTL time.Duration
	IdempotencyWindow  time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Delegated SSO (OIDC); both empty disables the mode.
	OIDCIssuerURL string
	OIDCClientID  string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("CRM_HOST", "0.0.0.0"),
			Port:            getEnv("CRM_PORT", "8080"),
			ReadTimeout:     getEnvDuration("CRM_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("CRM_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("CRM_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("CRM_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("CRM_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("CRM_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("CRM_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("CRM_POSTGRES_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:      getEnv("CRM_REDIS_URL", ""),
			Password: getEnv("CRM_REDIS_PASSWORD", ""),
			DB:       getEnvInt("CRM_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			SessionTTL:         getEnvDuration("CRM_SESSION_TTL", 24*time.Hour),
			SessionTouchEvery:  getEnvDuration("CRM_SESSION_TOUCH_EVERY", time.Minute),
			PermissionCacheTTL: getEnvDuration("CRM_PERMISSION_CACHE_TTL", 5*time.Minute),
			IdempotencyWindow:  getEnvDuration("CRM_IDEMPOTENCY_WINDOW", 24*time.Hour),
			RateLimitRequests:  getEnvInt("CRM_RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:    getEnvDuration("CRM_RATE_LIMIT_WINDOW", time.Minute),
			OIDCIssuerURL:      getEnv("CRM_OIDC_ISSUER_URL", ""),
			OIDCClientID:       getEnv("CRM_OIDC_CLIENT_ID", ""),
		},
		LogLevel: observability.ParseLogLevel(getEnv("CRM_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.PermissionCacheTTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
	}
	if c.Auth.IdempotencyWindow <= 0 {
		return fmt.Errorf("idempotency window must be positive")
	}
	if c.Auth.RateLimitRequests <= 0 || c.Auth.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit threshold and window must be positive")
	}
	if (c.Auth.OIDCIssuerURL == "") != (c.Auth.OIDCClientID == "") {
		return fmt.Errorf("OIDC issuer URL and client ID must be set together")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
