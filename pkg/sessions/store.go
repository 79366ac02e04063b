package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/permissions"
)

// Session is the server-side record behind a session cookie.
type Session struct {
	ID             string
	TokenHash      string
	TokenPrefix    string
	UserID         string
	TenantID       string
	Role           permissions.LegacyRole
	CustomRoleID   *string
	MFAVerified    bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

const touchThrottleSize = 16384

// Store persists sessions in PostgreSQL. Activity touches are throttled
// in-process so a chatty client does not turn every request into a write.
type Store struct {
	db            *sql.DB
	ttl           time.Duration
	touchThrottle *lru.LRU[string, time.Time]
}

// NewStore creates a session store. touchEvery bounds how often a session's
// last-activity timestamp is actually written.
func NewStore(db *sql.DB, ttl, touchEvery time.Duration) *Store {
	return &Store{
		db:            db,
		ttl:           ttl,
		touchThrottle: lru.NewLRU[string, time.Time](touchThrottleSize, nil, touchEvery),
	}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		token_hash VARCHAR(64) NOT NULL UNIQUE,
		token_prefix VARCHAR(20) NOT NULL,
		user_id UUID NOT NULL,
		tenant_id UUID NOT NULL,
		role VARCHAR(50) NOT NULL,
		custom_role_id UUID,
		mfa_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Create opens a session for a user and returns the session plus the opaque
// token, which is never stored or logged. The session inherits the user's
// tenant; a session can never point across the tenant boundary.
func (s *Store) Create(ctx context.Context, user *permissions.User) (*Session, string, error) {
	if !user.IsActive {
		return nil, "", apierr.NewAuth("account is deactivated")
	}

	token, tokenHash, tokenPrefix, err := GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.NewString(),
		TokenHash:      tokenHash,
		TokenPrefix:    tokenPrefix,
		UserID:         user.ID,
		TenantID:       user.TenantID,
		Role:           user.Role,
		CustomRoleID:   user.CustomRoleID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		LastActivityAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, token_hash, token_prefix, user_id, tenant_id, role,
			custom_role_id, mfa_verified, created_at, expires_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, sess.TokenHash, sess.TokenPrefix, sess.UserID, sess.TenantID,
		sess.Role, sess.CustomRoleID, sess.MFAVerified,
		sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt)
	if err != nil {
		return nil, "", fmt.Errorf("insert session: %w", err)
	}

	return sess, token, nil
}

// Lookup resolves a presented token to a live session.
func (s *Store) Lookup(ctx context.Context, token string) (*Session, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return nil, apierr.NewAuth("invalid session token")
	}

	query := `
		SELECT id, token_hash, token_prefix, user_id, tenant_id, role,
		       custom_role_id, mfa_verified, created_at, expires_at, last_activity_at
		FROM sessions
		WHERE token_hash = $1 AND expires_at > NOW()
	`
	var sess Session
	var customRoleID sql.NullString
	err := s.db.QueryRowContext(ctx, query, HashToken(token)).Scan(
		&sess.ID, &sess.TokenHash, &sess.TokenPrefix, &sess.UserID, &sess.TenantID,
		&sess.Role, &customRoleID, &sess.MFAVerified,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt,
	)
	if err == sql.ErrNoRows {
		return nil, apierr.NewAuth("invalid or expired session")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if customRoleID.Valid {
		id := customRoleID.String
		sess.CustomRoleID = &id
	}
	return &sess, nil
}

// Touch updates the session's last-activity timestamp, at most once per
// throttle window. Failures are the caller's to swallow; a touch must never
// fail a request.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	if _, recent := s.touchThrottle.Get(sessionID); recent {
		return nil
	}
	s.touchThrottle.Add(sessionID, time.Now())

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = NOW() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// SetMFAVerified marks the session as having passed MFA.
func (s *Store) SetMFAVerified(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET mfa_verified = TRUE WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("set mfa verified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NewNotFound("session")
	}
	return nil
}

// Invalidate destroys a single session.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// InvalidateUser destroys every session belonging to a user and returns how
// many were removed.
func (s *Store) InvalidateUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidate user sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpired removes expired sessions; run periodically.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
