// Package idempotency makes mutating endpoints safe to retry. A client sends
// an Idempotency-Key header; the first successful execution stores the
// response, and retries with the same key and an identical request body get
// that stored response back instead of re-running the handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

// Header is the request header carrying the client's idempotency key.
const Header = "Idempotency-Key"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// ValidateKey checks the key's shape before any storage work.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return apierr.NewValidation(Header,
			"idempotency key must be 16-128 characters of A-Za-z0-9_-", "invalid_format")
	}
	return nil
}

// RequestHash fingerprints a request so a reused key with a different payload
// is detected.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is a completed execution stored for replay.
type Entry struct {
	Key          string
	TenantID     string
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Outcome is the result of Begin.
type Outcome struct {
	// Replay is non-nil when a stored response should be returned as-is.
	Replay *Entry
}

// Guard persists idempotency entries in PostgreSQL with a sliding retention
// window.
type Guard struct {
	db     *sql.DB
	window time.Duration
}

// NewGuard creates a guard. window is how long completed entries are replayable.
func NewGuard(db *sql.DB, window time.Duration) *Guard {
	return &Guard{db: db, window: window}
}

// EnsureSchema creates the idempotency table if it does not exist.
func (g *Guard) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		idempotency_key VARCHAR(128) PRIMARY KEY,
		tenant_id UUID NOT NULL,
		request_hash VARCHAR(64) NOT NULL,
		status_code INTEGER NOT NULL,
		response_body BYTEA NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);
	`
	_, err := g.db.ExecContext(ctx, query)
	return err
}

// Begin decides how a keyed request proceeds. A fresh key runs the handler
// normally. A key seen before with the same request hash replays the stored
// response. The same key with a different hash is a client error, and a key
// owned by another tenant is a conflict.
func (g *Guard) Begin(ctx context.Context, tenantID, key string, requestHash string) (Outcome, error) {
	if err := ValidateKey(key); err != nil {
		return Outcome{}, err
	}

	var e Entry
	err := g.db.QueryRowContext(ctx, `
		SELECT idempotency_key, tenant_id, request_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_keys
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`, key).Scan(&e.Key, &e.TenantID, &e.RequestHash, &e.StatusCode, &e.ResponseBody, &e.CreatedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if e.TenantID != tenantID {
		return Outcome{}, apierr.NewConflict("idempotency key is already in use")
	}
	if e.RequestHash != requestHash {
		return Outcome{}, apierr.NewUnprocessable(
			"idempotency key was already used with a different request payload")
	}
	return Outcome{Replay: &e}, nil
}

// Commit stores a successful response under the key. Called only after the
// handler succeeds; failures stay retryable. A concurrent insert of the same
// key is tolerated, the first writer wins.
func (g *Guard) Commit(ctx context.Context, tenantID, key, requestHash string, statusCode int, responseBody []byte) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, tenant_id, request_hash, status_code, response_body, expires_at)
		VALUES ($1, $2, $3, $4, $5, NOW() + $6::interval)
	`, key, tenantID, requestHash, statusCode, responseBody,
		fmt.Sprintf("%d seconds", int(g.window.Seconds())))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("commit idempotency key: %w", err)
	}
	return nil
}

// DeleteExpired removes entries past their retention window; run periodically.
func (g *Guard) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := g.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
