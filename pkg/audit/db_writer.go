package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DBWriter persists audit entries in PostgreSQL. Detail maps are stored as
// JSONB.
type DBWriter struct {
	db *sql.DB
}

// NewDBWriter creates a database-backed audit writer.
func NewDBWriter(db *sql.DB) *DBWriter {
	return &DBWriter{db: db}
}

// EnsureSchema creates the audit table if it does not exist.
func (w *DBWriter) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		actor_id UUID NOT NULL,
		action VARCHAR(50) NOT NULL,
		entity_type VARCHAR(50),
		entity_id VARCHAR(100),
		detail JSONB,
		request_id VARCHAR(100),
		ip_address VARCHAR(45),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_log(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id, created_at DESC);
	`
	_, err := w.db.ExecContext(ctx, query)
	return err
}

// Write implements Writer.
func (w *DBWriter) Write(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var detail interface{}
	if len(e.Detail) > 0 {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = raw
	}

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, actor_id, action, entity_type, entity_id, detail, request_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.TenantID, e.ActorID, e.Action,
		nullable(e.EntityType), nullable(e.EntityID), detail,
		nullable(e.RequestID), nullable(e.IPAddress), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns a page of a tenant's audit trail, newest first.
func (w *DBWriter) List(ctx context.Context, tenantID string, limit, offset int) ([]Entry, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_id, action, entity_type, entity_id, detail, request_id, ip_address, created_at
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var entityType, entityID, requestID, ipAddress sql.NullString
		var detail []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action,
			&entityType, &entityID, &detail, &requestID, &ipAddress, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		e.RequestID = requestID.String
		e.IPAddress = ipAddress.String
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
