// Package oplock implements optimistic concurrency for versioned records.
// Every mutation carries the version the client last read; the update is a
// single conditional statement, so two racing writers can never both win.
package oplock

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

// DB is the subset of *sql.DB and *sql.Tx the guard needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// UpdateSpec describes one guarded update.
type UpdateSpec struct {
	// Table is the target table; it must carry id, tenant_id, and version
	// columns.
	Table string
	// EntityType names the record kind in conflict errors ("lead", "case").
	EntityType string

	ID              string
	TenantID        string
	ExpectedVersion int64

	// Set holds column assignments applied alongside the version bump.
	Set map[string]interface{}
}

// Apply performs the conditional update and returns the new version. When
// zero rows match it probes whether the record exists at all: a missing or
// cross-tenant record is not found, a live record at another version is a
// conflict carrying both versions.
func Apply(ctx context.Context, db DB, spec UpdateSpec) (int64, error) {
	if spec.ExpectedVersion < 1 {
		return 0, apierr.NewValidation("version", "version must be a positive integer", "INVALID_VERSION")
	}

	cols := make([]string, 0, len(spec.Set))
	for col := range spec.Set {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sets []string
	args := make([]interface{}, 0, len(cols)+3)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, spec.Set[col])
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	n := len(cols)
	query := fmt.Sprintf(`
		UPDATE %s SET %s
		WHERE id = $%d AND tenant_id = $%d AND version = $%d
		RETURNING version
	`, spec.Table, strings.Join(sets, ", "), n+1, n+2, n+3)
	args = append(args, spec.ID, spec.TenantID, spec.ExpectedVersion)

	var newVersion int64
	err := db.QueryRowContext(ctx, query, args...).Scan(&newVersion)
	if err == sql.ErrNoRows {
		return 0, diagnose(ctx, db, spec)
	}
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", spec.EntityType, err)
	}
	return newVersion, nil
}

// Delete removes a record conditioned on its version, with the same
// not-found versus conflict distinction as Apply.
func Delete(ctx context.Context, db DB, spec UpdateSpec) error {
	if spec.ExpectedVersion < 1 {
		return apierr.NewValidation("version", "version must be a positive integer", "INVALID_VERSION")
	}

	query := fmt.Sprintf(
		`DELETE FROM %s WHERE id = $1 AND tenant_id = $2 AND version = $3`, spec.Table)
	res, err := db.ExecContext(ctx, query, spec.ID, spec.TenantID, spec.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("delete %s: %w", spec.EntityType, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return diagnose(ctx, db, spec)
	}
	return nil
}

func diagnose(ctx context.Context, db DB, spec UpdateSpec) error {
	var actual int64
	query := fmt.Sprintf(`SELECT version FROM %s WHERE id = $1 AND tenant_id = $2`, spec.Table)
	err := db.QueryRowContext(ctx, query, spec.ID, spec.TenantID).Scan(&actual)
	if err == sql.ErrNoRows {
		return apierr.NewNotFound(spec.EntityType)
	}
	if err != nil {
		return fmt.Errorf("probe %s version: %w", spec.EntityType, err)
	}
	return apierr.NewVersionConflict(spec.EntityType, spec.ID, spec.ExpectedVersion, actual)
}
