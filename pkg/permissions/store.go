package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

// CustomRole is a tenant-scoped named role owning permission and field
// grants.
type CustomRole struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists users, custom roles, and grants in PostgreSQL. It implements
// Directory for the resolver.
type Store struct {
	db *sql.DB
}

// NewStore creates a permission store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the authorization tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		email VARCHAR(255) NOT NULL UNIQUE,
		role VARCHAR(50) NOT NULL,
		custom_role_id UUID,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_users_custom_role ON users(custom_role_id);

	CREATE TABLE IF NOT EXISTS custom_roles (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		name VARCHAR(100) NOT NULL,
		description TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS custom_role_permissions (
		role_id UUID NOT NULL REFERENCES custom_roles(id) ON DELETE CASCADE,
		permission_key VARCHAR(100) NOT NULL,
		PRIMARY KEY (role_id, permission_key)
	);

	CREATE TABLE IF NOT EXISTS field_permissions (
		role_id UUID NOT NULL REFERENCES custom_roles(id) ON DELETE CASCADE,
		resource VARCHAR(50) NOT NULL,
		field VARCHAR(100) NOT NULL,
		can_view BOOLEAN NOT NULL DEFAULT TRUE,
		can_edit BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (role_id, resource, field)
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// GetUser returns the authorization slice of a user record.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	query := `
		SELECT id, tenant_id, email, role, custom_role_id, is_active
		FROM users
		WHERE id = $1
	`
	var u User
	var customRoleID sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.Role, &customRoleID, &u.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, apierr.NewNotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if customRoleID.Valid {
		id := customRoleID.String
		u.CustomRoleID = &id
	}
	return &u, nil
}

// GetUserByEmail returns a user by email, for SSO claim mapping.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, tenant_id, email, role, custom_role_id, is_active
		FROM users
		WHERE email = $1
	`
	var u User
	var customRoleID sql.NullString
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.Role, &customRoleID, &u.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, apierr.NewNotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	if customRoleID.Valid {
		id := customRoleID.String
		u.CustomRoleID = &id
	}
	return &u, nil
}

// GetCustomRolePermissions returns the permission keys granted to a custom
// role. Keys no longer in the catalog are skipped rather than failing the
// whole resolution.
func (s *Store) GetCustomRolePermissions(ctx context.Context, roleID string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission_key FROM custom_role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("get custom role permissions: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := ParseKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetFieldGrants returns the raw field grants of a custom role.
func (s *Store) GetFieldGrants(ctx context.Context, roleID string) ([]FieldGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, field, can_view, can_edit FROM field_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("get field permissions: %w", err)
	}
	defer rows.Close()

	var grants []FieldGrant
	for rows.Next() {
		var g FieldGrant
		if err := rows.Scan(&g.Resource, &g.Field, &g.CanView, &g.CanEdit); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// GetFieldPolicy loads the field grants for a custom role.
func (s *Store) GetFieldPolicy(ctx context.Context, roleID string) (*FieldPolicy, error) {
	grants, err := s.GetFieldGrants(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return NewFieldPolicy(grants), nil
}

// ReplaceFieldGrants replaces the full field-grant set of a role. Fields with
// no grant stay fully visible and editable.
func (s *Store) ReplaceFieldGrants(ctx context.Context, tenantID, roleID string, grants []FieldGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace field grants: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE custom_roles SET updated_at = NOW() WHERE id = $1 AND tenant_id = $2
	`, roleID, tenantID)
	if err != nil {
		return fmt.Errorf("touch custom role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NewNotFound("role")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM field_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("clear field grants: %w", err)
	}
	for _, g := range grants {
		if g.Resource == "" {
			return apierr.NewValidation("resource", "is required", "REQUIRED")
		}
		if g.Field == "" {
			return apierr.NewValidation("field", "is required", "REQUIRED")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO field_permissions (role_id, resource, field, can_view, can_edit)
			VALUES ($1, $2, $3, $4, $5)
		`, roleID, g.Resource, g.Field, g.CanView, g.CanEdit); err != nil {
			return fmt.Errorf("insert field grant: %w", err)
		}
	}

	return tx.Commit()
}

// CreateCustomRole creates a tenant-scoped role with the given grants.
func (s *Store) CreateCustomRole(ctx context.Context, tenantID, name, description string, keys []Key) (*CustomRole, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create custom role: %w", err)
	}
	defer tx.Rollback()

	role := &CustomRole{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO custom_roles (id, tenant_id, name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, role.ID, role.TenantID, role.Name, role.Description).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert custom role: %w", err)
	}

	for _, key := range keys {
		if _, ok := Lookup(key); !ok {
			return nil, apierr.NewValidation("permissions", fmt.Sprintf("unknown permission %q", key), "UNKNOWN_PERMISSION")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custom_role_permissions (role_id, permission_key) VALUES ($1, $2)
		`, role.ID, key.String()); err != nil {
			return nil, fmt.Errorf("insert role permission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create custom role: %w", err)
	}
	return role, nil
}

// GetCustomRole returns one tenant-scoped role.
func (s *Store) GetCustomRole(ctx context.Context, tenantID, roleID string) (*CustomRole, error) {
	var role CustomRole
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, created_at, updated_at
		FROM custom_roles
		WHERE id = $1 AND tenant_id = $2
	`, roleID, tenantID).Scan(&role.ID, &role.TenantID, &role.Name, &description,
		&role.CreatedAt, &role.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NewNotFound("role")
	}
	if err != nil {
		return nil, fmt.Errorf("get custom role: %w", err)
	}
	role.Description = description.String
	return &role, nil
}

// ListCustomRoles returns a tenant's roles ordered by name.
func (s *Store) ListCustomRoles(ctx context.Context, tenantID string) ([]CustomRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, created_at, updated_at
		FROM custom_roles
		WHERE tenant_id = $1
		ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list custom roles: %w", err)
	}
	defer rows.Close()

	var roles []CustomRole
	for rows.Next() {
		var role CustomRole
		var description sql.NullString
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &description,
			&role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		role.Description = description.String
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ReplaceCustomRolePermissions replaces the full grant set of a role.
func (s *Store) ReplaceCustomRolePermissions(ctx context.Context, tenantID, roleID string, keys []Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace role permissions: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE custom_roles SET updated_at = NOW() WHERE id = $1 AND tenant_id = $2
	`, roleID, tenantID)
	if err != nil {
		return fmt.Errorf("touch custom role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NewNotFound("role")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM custom_role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("clear role permissions: %w", err)
	}
	for _, key := range keys {
		if _, ok := Lookup(key); !ok {
			return apierr.NewValidation("permissions", fmt.Sprintf("unknown permission %q", key), "UNKNOWN_PERMISSION")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custom_role_permissions (role_id, permission_key) VALUES ($1, $2)
		`, roleID, key.String()); err != nil {
			return fmt.Errorf("insert role permission: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteCustomRole removes a role. Deletion is blocked while any user still
// holds the role; callers must reassign first.
func (s *Store) DeleteCustomRole(ctx context.Context, tenantID, roleID string) error {
	var inUse int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE custom_role_id = $1`, roleID).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("count role assignments: %w", err)
	}
	if inUse > 0 {
		return apierr.NewConflict(fmt.Sprintf("role is assigned to %d user(s); reassign them first", inUse))
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM custom_roles WHERE id = $1 AND tenant_id = $2`, roleID, tenantID)
	if err != nil {
		return fmt.Errorf("delete custom role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NewNotFound("role")
	}
	return nil
}

// ListUserIDsWithCustomRole returns the users currently holding a role, so
// callers can invalidate their cached permissions.
func (s *Store) ListUserIDsWithCustomRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE custom_role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list users with role: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssignCustomRole sets (or clears, with nil) a user's custom role. The role
// must belong to the user's tenant.
func (s *Store) AssignCustomRole(ctx context.Context, tenantID, userID string, roleID *string) error {
	if roleID != nil {
		var owner string
		err := s.db.QueryRowContext(ctx,
			`SELECT tenant_id FROM custom_roles WHERE id = $1`, *roleID).Scan(&owner)
		if err == sql.ErrNoRows {
			return apierr.NewNotFound("role")
		}
		if err != nil {
			return fmt.Errorf("verify role tenant: %w", err)
		}
		if owner != tenantID {
			return apierr.NewNotFound("role")
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET custom_role_id = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3
	`, roleID, userID, tenantID)
	if err != nil {
		return fmt.Errorf("assign custom role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NewNotFound("user")
	}
	return nil
}

// AssignLegacyRole changes a user's legacy role.
func (s *Store) AssignLegacyRole(ctx context.Context, tenantID, userID string, role LegacyRole) error {
	if !ValidLegacyRole(role) {
		return apierr.NewValidation("role", fmt.Sprintf("unknown role %q", role), "UNKNOWN_ROLE")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET role = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3
	`, role, userID, tenantID)
	if err != nil {
		return fmt.Errorf("assign legacy role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NewNotFound("user")
	}
	return nil
}
