package crm

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/permissions"
)

func newLeadStore(t *testing.T) (*LeadStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLeadStore(db), mock
}

func leadRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "client_name", "email", "mobile_number", "company", "source",
		"status", "notes", "custom_fields", "created_by_id", "assigned_to_id", "version",
		"created_at", "updated_at",
	})
	for _, id := range ids {
		rows.AddRow(id, "t1", "Acme", "a@acme.test", "", "Acme Inc", "web",
			"NEW", "", nil, "u1", nil, 1, time.Now(), time.Now())
	}
	return rows
}

func assignedFilter(userID string) permissions.Filter {
	set := permissions.NewSet(permissions.Key{
		Resource: permissions.ResourceLeads,
		Action:   permissions.ActionView,
		Scope:    permissions.ScopeAssigned,
	})
	return permissions.BuildRecordFilter(set, userID, permissions.ResourceLeads, permissions.ActionView)
}

func TestLeadListComposesTenantAndScopeFilter(t *testing.T) {
	store, mock := newLeadStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM leads WHERE tenant_id = \$1 AND assigned_to_id = \$2`).
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM leads WHERE tenant_id = \$1 AND assigned_to_id = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("t1", "u1", 50, 0).
		WillReturnRows(leadRows("l1"))

	leads, total, err := store.List(context.Background(), "t1", assignedFilter("u1"), ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, leads, 1)
	assert.Equal(t, "l1", leads[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadListStatusAndSearchPredicates(t *testing.T) {
	store, mock := newLeadStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM leads WHERE tenant_id = \$1 AND status = \$2 AND \(client_name ILIKE \$3 OR email ILIKE \$3 OR company ILIKE \$3\)`).
		WithArgs("t1", "NEW", "%acme%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM leads WHERE tenant_id = \$1 AND status = \$2`).
		WithArgs("t1", "NEW", "%acme%", 10, 20).
		WillReturnRows(leadRows())

	_, total, err := store.List(context.Background(), "t1", permissions.Unrestricted(),
		ListQuery{Status: "NEW", Search: "acme", Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadGetFilteredOutReadsAsMissing(t *testing.T) {
	store, mock := newLeadStore(t)

	mock.ExpectQuery(`FROM leads WHERE tenant_id = \$1 AND id = \$2 AND assigned_to_id = \$3`).
		WithArgs("t1", "l1", "u1").
		WillReturnRows(leadRows())

	_, err := store.Get(context.Background(), "t1", "l1", assignedFilter("u1"))
	var nf *apierr.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestLeadCreateDefaults(t *testing.T) {
	store, mock := newLeadStore(t)

	mock.ExpectQuery("INSERT INTO leads").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(time.Now(), time.Now()))

	lead := &Lead{TenantID: "t1", ClientName: "Acme", CreatedByID: "u1"}
	require.NoError(t, store.Create(context.Background(), lead))
	assert.NotEmpty(t, lead.ID)
	assert.Equal(t, LeadStatusNew, lead.Status)
	assert.Equal(t, int64(1), lead.Version)
}

func TestLeadUpdateStaleVersionConflict(t *testing.T) {
	store, mock := newLeadStore(t)

	mock.ExpectQuery("UPDATE leads SET").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT version FROM leads").
		WithArgs("l1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))

	_, err := store.Update(context.Background(), "t1", "l1", 3,
		map[string]interface{}{"status": "CONTACTED"})
	var conflict *apierr.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(5), conflict.ActualVersion)
}
