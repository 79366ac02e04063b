package apikeys

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

func TestHasScope(t *testing.T) {
	key := &Key{Scopes: []string{"leads:read", "leads:write"}}
	assert.True(t, key.HasScope("leads:read"))
	assert.False(t, key.HasScope("cases:read"))
	assert.True(t, key.HasScopes([]string{"leads:read", "leads:write"}))
	assert.False(t, key.HasScopes([]string{"leads:read", "cases:read"}))

	wildcard := &Key{Scopes: []string{"*"}}
	assert.True(t, wildcard.HasScope("anything:at:all"))
	assert.True(t, wildcard.HasScopes([]string{"leads:read", "cases:write"}))
}

func TestCreateReturnsRawKeyOnce(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	mock.ExpectQuery("INSERT INTO api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	key, raw, err := store.Create(context.Background(), "t1", "u1", "ci key",
		[]string{"leads:read"}, nil)
	require.NoError(t, err)

	assert.Contains(t, raw, KeyPrefix)
	assert.NotEqual(t, raw, key.KeyHash, "only the hash is stored")
	assert.Contains(t, key.KeyPrefix, KeyPrefix)
	assert.NotEqual(t, raw, key.KeyPrefix)
	require.NoError(t, mock.ExpectationsWereMet())
}

func lookupRows(revoked, expired bool) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "user_id", "name", "key_prefix", "scopes", "rate_limit",
		"expires_at", "revoked_at", "last_used_at", "created_at",
	})
	var revokedAt, expiresAt interface{}
	if revoked {
		ts := time.Now().Add(-time.Hour)
		revokedAt = ts
	}
	if expired {
		ts := time.Now().Add(-time.Minute)
		expiresAt = ts
	}
	rows.AddRow("k1", "t1", "u1", "ci key", KeyPrefix+"abcd1234",
		pq.StringArray{"leads:read"}, 0, expiresAt, revokedAt, nil, time.Now())
	return rows
}

func TestLookup(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	t.Run("live key", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, tenant_id, user_id, name, key_prefix, scopes").
			WillReturnRows(lookupRows(false, false))

		key, err := store.Lookup(context.Background(), KeyPrefix+"raw-material")
		require.NoError(t, err)
		assert.Equal(t, []string{"leads:read"}, key.Scopes)
	})

	t.Run("revoked key", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, tenant_id, user_id, name, key_prefix, scopes").
			WillReturnRows(lookupRows(true, false))

		_, err := store.Lookup(context.Background(), KeyPrefix+"raw-material")
		var auth *apierr.AuthError
		require.True(t, errors.As(err, &auth))
		assert.Contains(t, auth.Message, "revoked")
	})

	t.Run("expired key", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, tenant_id, user_id, name, key_prefix, scopes").
			WillReturnRows(lookupRows(false, true))

		_, err := store.Lookup(context.Background(), KeyPrefix+"raw-material")
		var auth *apierr.AuthError
		require.True(t, errors.As(err, &auth))
		assert.Contains(t, auth.Message, "expired")
	})

	t.Run("unknown key", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, tenant_id, user_id, name, key_prefix, scopes").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := store.Lookup(context.Background(), KeyPrefix+"raw-material")
		var auth *apierr.AuthError
		assert.True(t, errors.As(err, &auth))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeUnknownKeyIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	mock.ExpectExec("UPDATE api_keys SET revoked_at").
		WithArgs("k1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Revoke(context.Background(), "t1", "k1")
	var nf *apierr.NotFoundError
	assert.True(t, errors.As(err, &nf))
}
