package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/permissions"
)

func TestGenerateToken(t *testing.T) {
	token, hash, prefix, err := GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	assert.True(t, strings.HasPrefix(prefix, TokenPrefix))
	assert.NotContains(t, prefix, token[len(TokenPrefix)+8:], "prefix must not leak the full token")
	assert.Equal(t, HashToken(token), hash)
	assert.Len(t, hash, 64)

	// Tokens are unique.
	other, _, _, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestValidateTokenFormat(t *testing.T) {
	token, _, _, err := GenerateToken()
	require.NoError(t, err)
	assert.NoError(t, ValidateTokenFormat(token))

	bad := []string{
		"",
		"crm_sess_",
		"wrong_prefix_abcdef",
		TokenPrefix + "not!base64url?",
	}
	for _, tok := range bad {
		assert.Error(t, ValidateTokenFormat(tok), "token %q", tok)
	}
}

func TestCreateRejectsInactiveUser(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, time.Hour, time.Minute)

	_, _, err = store.Create(context.Background(), &permissions.User{
		ID: "u1", TenantID: "t1", Role: permissions.RoleAgent, IsActive: false,
	})
	var auth *apierr.AuthError
	assert.True(t, errors.As(err, &auth))
}

func TestCreateInheritsUserTenant(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, time.Hour, time.Minute)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess, token, err := store.Create(context.Background(), &permissions.User{
		ID: "u1", TenantID: "t1", Role: permissions.RoleAgent, IsActive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.TenantID)
	assert.Equal(t, HashToken(token), sess.TokenHash)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupRejectsMalformedTokenWithoutQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, time.Hour, time.Minute)

	_, err = store.Lookup(context.Background(), "garbage")
	var auth *apierr.AuthError
	assert.True(t, errors.As(err, &auth))
	assert.NoError(t, mock.ExpectationsWereMet(), "malformed tokens never reach the database")
}

func TestLookupExpiredOrMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, time.Hour, time.Minute)

	token, _, _, err := GenerateToken()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, token_hash, token_prefix").
		WithArgs(HashToken(token)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.Lookup(context.Background(), token)
	var auth *apierr.AuthError
	assert.True(t, errors.As(err, &auth))
}

func TestTouchIsThrottled(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, time.Hour, time.Minute)

	mock.ExpectExec("UPDATE sessions SET last_activity_at").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Touch(context.Background(), "s1"))
	// Second touch within the throttle window writes nothing.
	require.NoError(t, store.Touch(context.Background(), "s1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateUserReturnsCount(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, time.Hour, time.Minute)

	mock.ExpectExec("DELETE FROM sessions WHERE user_id").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.InvalidateUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
