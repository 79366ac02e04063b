// Package apikeys implements the API-key authentication principal: opaque
// keys with per-key scopes, tenant binding, expiry, revocation, and
// asynchronous usage recording.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

const (
	// KeyPrefix identifies live API keys.
	KeyPrefix = "crm_live_"
	keyLength = 32
)

// Key is an API-key record. The raw key is returned once at creation and
// never stored.
type Key struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"keyPrefix"`
	Scopes     []string   `json:"scopes"`
	RateLimit  int        `json:"rateLimit,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// HasScope reports whether the key grants a scope; "*" grants everything.
func (k *Key) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// HasScopes reports whether the key grants every listed scope.
func (k *Key) HasScopes(scopes []string) bool {
	for _, s := range scopes {
		if !k.HasScope(s) {
			return false
		}
	}
	return true
}

// Store persists API keys and their usage log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an API-key store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the API-key tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		user_id UUID NOT NULL,
		name VARCHAR(100) NOT NULL,
		key_hash VARCHAR(64) NOT NULL UNIQUE,
		key_prefix VARCHAR(20) NOT NULL,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		rate_limit INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMP WITH TIME ZONE,
		revoked_at TIMESTAMP WITH TIME ZONE,
		last_used_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);

	CREATE TABLE IF NOT EXISTS api_key_usage (
		id BIGSERIAL PRIMARY KEY,
		key_id UUID NOT NULL,
		endpoint TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_api_key_usage_key ON api_key_usage(key_id, created_at DESC);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Create mints a new API key bound to a tenant and user. Returns the record
// and the raw key, exactly once.
func (s *Store) Create(ctx context.Context, tenantID, userID, name string, scopes []string, expiresAt *time.Time) (*Key, string, error) {
	randomBytes := make([]byte, keyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	raw := KeyPrefix + encoded
	hash := sha256.Sum256([]byte(raw))

	key := &Key{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Name:      name,
		KeyHash:   hex.EncodeToString(hash[:]),
		KeyPrefix: KeyPrefix + encoded[:8],
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, user_id, name, key_hash, key_prefix, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, key.ID, key.TenantID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix,
		pq.Array(key.Scopes), key.ExpiresAt).Scan(&key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}

	return key, raw, nil
}

// Lookup resolves a presented raw key to a live key record. Revoked and
// expired keys fail authentication.
func (s *Store) Lookup(ctx context.Context, raw string) (*Key, error) {
	hash := sha256.Sum256([]byte(raw))

	query := `
		SELECT id, tenant_id, user_id, name, key_prefix, scopes, rate_limit,
		       expires_at, revoked_at, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1
	`
	var key Key
	err := s.db.QueryRowContext(ctx, query, hex.EncodeToString(hash[:])).Scan(
		&key.ID, &key.TenantID, &key.UserID, &key.Name, &key.KeyPrefix,
		pq.Array(&key.Scopes), &key.RateLimit,
		&key.ExpiresAt, &key.RevokedAt, &key.LastUsedAt, &key.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apierr.NewAuth("invalid API key")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	key.KeyHash = hex.EncodeToString(hash[:])

	if key.RevokedAt != nil {
		return nil, apierr.NewAuth("API key has been revoked")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, apierr.NewAuth("API key has expired")
	}
	return &key, nil
}

// Revoke marks a key as revoked.
func (s *Store) Revoke(ctx context.Context, tenantID, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL
	`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NewNotFound("api key")
	}
	return nil
}

// RecordUsage appends a usage row and refreshes last_used_at. Dispatched from
// the background queue; errors are logged by the queue, never surfaced.
func (s *Store) RecordUsage(ctx context.Context, keyID, endpoint string, statusCode int, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_key_usage (key_id, endpoint, status_code, duration_ms)
		VALUES ($1, $2, $3, $4)
	`, keyID, endpoint, statusCode, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record api key usage: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}
