package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/oplock"
	"github.com/funnelworks/crm-core/pkg/permissions"
)

const leadColumns = `id, tenant_id, client_name, email, mobile_number, company, source,
	status, notes, custom_fields, created_by_id, assigned_to_id, version, created_at, updated_at`

// LeadStore persists leads in PostgreSQL.
type LeadStore struct {
	db *sql.DB
}

// NewLeadStore creates a lead store.
func NewLeadStore(db *sql.DB) *LeadStore {
	return &LeadStore{db: db}
}

// EnsureSchema creates the leads table if it does not exist.
func (s *LeadStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS leads (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		client_name VARCHAR(200) NOT NULL,
		email VARCHAR(200) NOT NULL DEFAULT '',
		mobile_number VARCHAR(50) NOT NULL DEFAULT '',
		company VARCHAR(200) NOT NULL DEFAULT '',
		source VARCHAR(100) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		custom_fields JSONB,
		created_by_id UUID NOT NULL,
		assigned_to_id UUID,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_leads_assigned ON leads(tenant_id, assigned_to_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// List returns the page of leads visible through the caller's record filter,
// plus the total count under the same predicate.
func (s *LeadStore) List(ctx context.Context, tenantID string, filter permissions.Filter, q ListQuery) ([]Lead, int, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}

	if !filter.IsUnrestricted() {
		where = append(where, filter.Render(len(args)+1))
		args = append(args, filter.Args...)
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := strconv.Itoa(len(args))
		where = append(where, "(client_name ILIKE $"+n+" OR email ILIKE $"+n+" OR company ILIKE $"+n+")")
	}
	predicate := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM leads WHERE "+predicate, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leads: %w", err)
	}

	limit := q.Limit
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		"SELECT %s FROM leads WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		leadColumns, predicate, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, 0, err
		}
		leads = append(leads, *lead)
	}
	return leads, total, rows.Err()
}

// Get returns one lead if the caller's record filter admits it. A lead
// outside the filter reads the same as one that does not exist.
func (s *LeadStore) Get(ctx context.Context, tenantID, id string, filter permissions.Filter) (*Lead, error) {
	where := "tenant_id = $1 AND id = $2"
	args := []interface{}{tenantID, id}
	if !filter.IsUnrestricted() {
		where += " AND " + filter.Render(len(args)+1)
		args = append(args, filter.Args...)
	}

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM leads WHERE %s", leadColumns, where), args...)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, apierr.NewNotFound("lead")
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}

// Create inserts a new lead at version 1.
func (s *LeadStore) Create(ctx context.Context, lead *Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Status == "" {
		lead.Status = LeadStatusNew
	}
	lead.Version = 1

	custom, err := marshalCustomFields(lead.CustomFields)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO leads (id, tenant_id, client_name, email, mobile_number, company, source,
			status, notes, custom_fields, created_by_id, assigned_to_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		RETURNING created_at, updated_at
	`, lead.ID, lead.TenantID, lead.ClientName, lead.Email, lead.MobileNumber,
		lead.Company, lead.Source, lead.Status, lead.Notes, custom,
		lead.CreatedByID, lead.AssignedToID).Scan(&lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// Update applies a versioned update and returns the fresh record.
func (s *LeadStore) Update(ctx context.Context, tenantID, id string, expectedVersion int64, set map[string]interface{}) (*Lead, error) {
	if _, err := oplock.Apply(ctx, s.db, oplock.UpdateSpec{
		Table:           "leads",
		EntityType:      "lead",
		ID:              id,
		TenantID:        tenantID,
		ExpectedVersion: expectedVersion,
		Set:             set,
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, id, permissions.Unrestricted())
}

// Delete removes a lead, conditioned on its version.
func (s *LeadStore) Delete(ctx context.Context, tenantID, id string, expectedVersion int64) error {
	return oplock.Delete(ctx, s.db, oplock.UpdateSpec{
		Table:           "leads",
		EntityType:      "lead",
		ID:              id,
		TenantID:        tenantID,
		ExpectedVersion: expectedVersion,
	})
}

// Assign changes the lead's assignee; nil clears the assignment.
func (s *LeadStore) Assign(ctx context.Context, tenantID, id string, expectedVersion int64, assigneeID *string) (*Lead, error) {
	return s.Update(ctx, tenantID, id, expectedVersion,
		map[string]interface{}{"assigned_to_id": assigneeID})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(row rowScanner) (*Lead, error) {
	var lead Lead
	var custom []byte
	var assignedTo sql.NullString
	err := row.Scan(&lead.ID, &lead.TenantID, &lead.ClientName, &lead.Email,
		&lead.MobileNumber, &lead.Company, &lead.Source, &lead.Status, &lead.Notes,
		&custom, &lead.CreatedByID, &assignedTo, &lead.Version,
		&lead.CreatedAt, &lead.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan lead: %w", err)
	}
	if assignedTo.Valid {
		id := assignedTo.String
		lead.AssignedToID = &id
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &lead.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	return &lead, nil
}

func marshalCustomFields(fields map[string]interface{}) (interface{}, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode custom fields: %w", err)
	}
	return raw, nil
}
