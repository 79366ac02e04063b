package crm

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/oplock"
	"github.com/funnelworks/crm-core/pkg/permissions"
)

const caseColumns = `id, tenant_id, title, status, lead_id, created_by_id,
	assigned_process_user_id, version, created_at, updated_at`

// CaseStore persists cases in PostgreSQL.
type CaseStore struct {
	db *sql.DB
}

// NewCaseStore creates a case store.
func NewCaseStore(db *sql.DB) *CaseStore {
	return &CaseStore{db: db}
}

// EnsureSchema creates the cases table if it does not exist.
func (s *CaseStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS cases (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		title VARCHAR(300) NOT NULL,
		status VARCHAR(20) NOT NULL,
		lead_id UUID,
		created_by_id UUID NOT NULL,
		assigned_process_user_id UUID,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_cases_tenant ON cases(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_cases_assigned ON cases(tenant_id, assigned_process_user_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// List returns the page of cases visible through the caller's record filter.
func (s *CaseStore) List(ctx context.Context, tenantID string, filter permissions.Filter, q ListQuery) ([]Case, int, error) {
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
		where = append(where, "title ILIKE $"+strconv.Itoa(len(args)))
	}
	predicate := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cases WHERE "+predicate, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
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
		"SELECT %s FROM cases WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		caseColumns, predicate, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		cases = append(cases, *c)
	}
	return cases, total, rows.Err()
}

// Get returns one case if the caller's record filter admits it.
func (s *CaseStore) Get(ctx context.Context, tenantID, id string, filter permissions.Filter) (*Case, error) {
	where := "tenant_id = $1 AND id = $2"
	args := []interface{}{tenantID, id}
	if !filter.IsUnrestricted() {
		where += " AND " + filter.Render(len(args)+1)
		args = append(args, filter.Args...)
	}

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM cases WHERE %s", caseColumns, where), args...)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, apierr.NewNotFound("case")
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts a new case at version 1.
func (s *CaseStore) Create(ctx context.Context, c *Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CaseStatusOpen
	}
	c.Version = 1

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cases (id, tenant_id, title, status, lead_id, created_by_id, assigned_process_user_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING created_at, updated_at
	`, c.ID, c.TenantID, c.Title, c.Status, c.LeadID, c.CreatedByID,
		c.AssignedProcessUserID).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// Update applies a versioned update and returns the fresh record.
func (s *CaseStore) Update(ctx context.Context, tenantID, id string, expectedVersion int64, set map[string]interface{}) (*Case, error) {
	if _, err := oplock.Apply(ctx, s.db, oplock.UpdateSpec{
		Table:           "cases",
		EntityType:      "case",
		ID:              id,
		TenantID:        tenantID,
		ExpectedVersion: expectedVersion,
		Set:             set,
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, id, permissions.Unrestricted())
}

// Delete removes a case, conditioned on its version.
func (s *CaseStore) Delete(ctx context.Context, tenantID, id string, expectedVersion int64) error {
	return oplock.Delete(ctx, s.db, oplock.UpdateSpec{
		Table:           "cases",
		EntityType:      "case",
		ID:              id,
		TenantID:        tenantID,
		ExpectedVersion: expectedVersion,
	})
}

// Assign changes the case's processing assignee; nil clears it.
func (s *CaseStore) Assign(ctx context.Context, tenantID, id string, expectedVersion int64, assigneeID *string) (*Case, error) {
	return s.Update(ctx, tenantID, id, expectedVersion,
		map[string]interface{}{"assigned_process_user_id": assigneeID})
}

func scanCase(row rowScanner) (*Case, error) {
	var c Case
	var leadID, assignee sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.Title, &c.Status, &leadID,
		&c.CreatedByID, &assignee, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan case: %w", err)
	}
	if leadID.Valid {
		id := leadID.String
		c.LeadID = &id
	}
	if assignee.Valid {
		id := assignee.String
		c.AssignedProcessUserID = &id
	}
	return &c, nil
}
