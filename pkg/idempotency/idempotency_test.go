package idempotency

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

const validKey = "client-key-0123456789abcdef"

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey(validKey))
	assert.NoError(t, ValidateKey("ABCDEF0123456789"))

	bad := []string{
		"",
		"short",
		"has spaces in the middle!",
		"way-too-long-" + string(make([]byte, 130)),
		"unicode-ключ-0123456789",
	}
	for _, k := range bad {
		assert.Error(t, ValidateKey(k), "key %q", k)
	}
}

func TestRequestHashDistinguishesPayloads(t *testing.T) {
	a := RequestHash("POST", "/api/v1/leads", []byte(`{"clientName":"Acme"}`))
	b := RequestHash("POST", "/api/v1/leads", []byte(`{"clientName":"Apex"}`))
	c := RequestHash("PUT", "/api/v1/leads", []byte(`{"clientName":"Acme"}`))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, RequestHash("POST", "/api/v1/leads", []byte(`{"clientName":"Acme"}`)))
}

func newGuard(t *testing.T) (sqlmock.Sqlmock, *Guard, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return mock, NewGuard(db, 24*time.Hour), func() { db.Close() }
}

func entryRows(tenantID, hash string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"idempotency_key", "tenant_id", "request_hash", "status_code",
		"response_body", "created_at", "expires_at",
	}).AddRow(validKey, tenantID, hash, 201, []byte(`{"success":true}`), now, now.Add(time.Hour))
}

func TestBeginFreshKeyProceeds(t *testing.T) {
	mock, guard, done := newGuard(t)
	defer done()

	mock.ExpectQuery("SELECT idempotency_key, tenant_id, request_hash").
		WithArgs(validKey).
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key"}))

	out, err := guard.Begin(context.Background(), "t1", validKey, "hash-a")
	require.NoError(t, err)
	assert.Nil(t, out.Replay)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginReplaysStoredResponse(t *testing.T) {
	mock, guard, done := newGuard(t)
	defer done()

	mock.ExpectQuery("SELECT idempotency_key, tenant_id, request_hash").
		WithArgs(validKey).
		WillReturnRows(entryRows("t1", "hash-a"))

	out, err := guard.Begin(context.Background(), "t1", validKey, "hash-a")
	require.NoError(t, err)
	require.NotNil(t, out.Replay)
	assert.Equal(t, 201, out.Replay.StatusCode)
	assert.JSONEq(t, `{"success":true}`, string(out.Replay.ResponseBody))
}

func TestBeginSameKeyDifferentPayloadIsUnprocessable(t *testing.T) {
	mock, guard, done := newGuard(t)
	defer done()

	mock.ExpectQuery("SELECT idempotency_key, tenant_id, request_hash").
		WithArgs(validKey).
		WillReturnRows(entryRows("t1", "hash-a"))

	_, err := guard.Begin(context.Background(), "t1", validKey, "hash-b")
	var unprocessable *apierr.UnprocessableError
	assert.True(t, errors.As(err, &unprocessable))
}

func TestBeginCrossTenantKeyConflicts(t *testing.T) {
	mock, guard, done := newGuard(t)
	defer done()

	mock.ExpectQuery("SELECT idempotency_key, tenant_id, request_hash").
		WithArgs(validKey).
		WillReturnRows(entryRows("other-tenant", "hash-a"))

	_, err := guard.Begin(context.Background(), "t1", validKey, "hash-a")
	var conflict *apierr.ConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestBeginRejectsMalformedKey(t *testing.T) {
	_, guard, done := newGuard(t)
	defer done()

	_, err := guard.Begin(context.Background(), "t1", "nope", "hash")
	var v *apierr.ValidationError
	assert.True(t, errors.As(err, &v))
}

func TestCommitToleratesInsertRace(t *testing.T) {
	mock, guard, done := newGuard(t)
	defer done()

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnError(&pq.Error{Code: "23505"})

	err := guard.Commit(context.Background(), "t1", validKey, "hash-a", 201, []byte(`{}`))
	assert.NoError(t, err, "first writer wins; the race is not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitSurfacesOtherErrors(t *testing.T) {
	mock, guard, done := newGuard(t)
	defer done()

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnError(assert.AnError)

	err := guard.Commit(context.Background(), "t1", validKey, "hash-a", 201, []byte(`{}`))
	assert.Error(t, err)
}

func TestDeleteExpired(t *testing.T) {
	mock, guard, done := newGuard(t)
	defer done()

	mock.ExpectExec("DELETE FROM idempotency_keys WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := guard.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
