package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/apikeys"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/idempotency"
	"github.com/funnelworks/crm-core/pkg/observability"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/ratelimit"
	"github.com/funnelworks/crm-core/pkg/sessions"
	"github.com/funnelworks/crm-core/pkg/tasks"
)

type fakeUsers struct {
	users map[string]*permissions.User
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*permissions.User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, apierr.NewNotFound("user")
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*permissions.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, apierr.NewNotFound("user")
}

func (f *fakeUsers) GetCustomRolePermissions(context.Context, string) ([]permissions.Key, error) {
	return nil, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	token   string
	session *sessions.Session
	touched int
}

func (f *fakeSessions) Lookup(_ context.Context, token string) (*sessions.Session, error) {
	if token == f.token {
		return f.session, nil
	}
	return nil, apierr.NewAuth("invalid or expired session")
}

func (f *fakeSessions) Touch(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	return nil
}

type fakeKeys struct {
	mu    sync.Mutex
	raw   string
	key   *apikeys.Key
	usage int
}

func (f *fakeKeys) Lookup(_ context.Context, raw string) (*apikeys.Key, error) {
	if raw == f.raw {
		return f.key, nil
	}
	return nil, apierr.NewAuth("invalid API key")
}

func (f *fakeKeys) RecordUsage(context.Context, string, string, int, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage++
	return nil
}

type recordedAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (w *recordedAudit) Write(_ context.Context, e audit.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	return nil
}

func (w *recordedAudit) snapshot() []audit.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]audit.Entry(nil), w.entries...)
}

type env struct {
	pipe     *Pipeline
	users    *fakeUsers
	sessions *fakeSessions
	keys     *fakeKeys
	queue    *tasks.Queue
	auditW   *recordedAudit
	token    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	token, _, _, err := sessions.GenerateToken()
	require.NoError(t, err)

	users := &fakeUsers{users: map[string]*permissions.User{
		"u1": {ID: "u1", TenantID: "t1", Email: "agent@acme.test", Role: permissions.RoleAgent, IsActive: true},
	}}
	sess := &fakeSessions{token: token, session: &sessions.Session{
		ID: "s1", UserID: "u1", TenantID: "t1", Role: permissions.RoleAgent,
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	keys := &fakeKeys{raw: "crm_key_raw", key: &apikeys.Key{
		ID: "k1", TenantID: "t1", UserID: "u1", Scopes: []string{"leads:read"},
	}}

	queue := tasks.New(1, 32, logger)
	t.Cleanup(queue.Close)
	auditW := &recordedAudit{}

	pipe := New(Deps{
		Logger:       logger,
		Metrics:      observability.NewMetrics(prometheus.NewRegistry()),
		Limiter:      ratelimit.NewMemoryLimiter(),
		DefaultLimit: ratelimit.Limit{Requests: 100, Window: time.Minute},
		Resolver:     permissions.NewResolver(users, time.Hour),
		Users:        users,
		Sessions:     sess,
		Keys:         keys,
		Queue:        queue,
		Audit:        audit.NewRecorder(auditW, queue),
	})
	return &env{pipe: pipe, users: users, sessions: sess, keys: keys, queue: queue, auditW: auditW, token: token}
}

func okHandler(invoked *int) Handler {
	return func(c *Ctx) (interface{}, error) {
		*invoked++
		return map[string]string{"id": "l1"}, nil
	}
}

func TestWrapRejectsUnauthenticated(t *testing.T) {
	e := newEnv(t)
	var invoked int
	h := e.pipe.Wrap(Options{AuthRequired: true}, okHandler(&invoked))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, invoked, "handler never runs without a principal")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"success":false,"error":"authentication required"}`, rec.Body.String())
}

func TestWrapSessionAuthSuccess(t *testing.T) {
	e := newEnv(t)
	var got Identity
	h := e.pipe.Wrap(Options{AuthRequired: true, UpdateSessionActivity: true},
		func(c *Ctx) (interface{}, error) {
			got = c.Identity
			return map[string]string{"id": "l1"}, nil
		})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil)
		r.Header.Set("Authorization", "Bearer "+e.token)
		rec := httptest.NewRecorder()
		h(rec, r)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true,"data":{"id":"l1"}}`, rec.Body.String())
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "t1", got.TenantID)
		assert.Equal(t, AuthSession, got.Method)
	})

	t.Run("cookie fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookie, Value: e.token})
		rec := httptest.NewRecorder()
		h(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestWrapLogsAuthenticatedRequest(t *testing.T) {
	e := newEnv(t)
	var buf bytes.Buffer
	e.pipe.deps.Logger = observability.NewLogger(observability.DebugLevel, &buf)

	var invoked int
	h := e.pipe.Wrap(Options{AuthRequired: true}, okHandler(&invoked))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil)
	r.Header.Set("Authorization", "Bearer "+e.token)
	h(httptest.NewRecorder(), r)

	logs := buf.String()
	assert.Contains(t, logs, "Request received", "resolved identity is logged before the handler runs")
	assert.Contains(t, logs, `"auth":"session"`)
	assert.Contains(t, logs, `"user_id":"u1"`)
	assert.Contains(t, logs, "Request completed")
}

func TestWrapRejectsDeactivatedUser(t *testing.T) {
	e := newEnv(t)
	e.users.users["u1"].IsActive = false
	var invoked int
	h := e.pipe.Wrap(Options{AuthRequired: true}, okHandler(&invoked))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil)
	r.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	h(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, invoked)
}

func TestWrapRateLimitShortCircuits(t *testing.T) {
	e := newEnv(t)
	var invoked int
	h := e.pipe.Wrap(Options{
		RateLimit: &ratelimit.Limit{Requests: 1, Window: time.Minute},
	}, okHandler(&invoked))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil)
	r.RemoteAddr = "10.0.0.9:1234"

	rec := httptest.NewRecorder()
	h(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, invoked, "rejected request never reaches the handler")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// A different client IP has its own window.
	other := httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil)
	other.RemoteAddr = "10.0.0.10:1234"
	rec = httptest.NewRecorder()
	h(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWrapPermissionDenialIsAudited(t *testing.T) {
	e := newEnv(t)
	var invoked int
	h := e.pipe.Wrap(Options{
		AuthRequired: true,
		Permissions: []permissions.Key{
			{Resource: permissions.ResourceTenants, Action: permissions.ActionManage},
		},
	}, okHandler(&invoked))

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/tenants/t2", nil)
	r.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	h(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, invoked)

	require.Eventually(t, func() bool {
		return len(e.auditW.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond, "denial must land in the audit trail")

	entry := e.auditW.snapshot()[0]
	assert.Equal(t, audit.ActionDenied, entry.Action)
	assert.Equal(t, "u1", entry.ActorID)
	assert.Equal(t, "t1", entry.TenantID)
	assert.Contains(t, entry.Detail["required"], "tenants.manage")
}

func TestWrapPermissionAllowed(t *testing.T) {
	e := newEnv(t)
	var invoked int
	h := e.pipe.Wrap(Options{
		AuthRequired: true,
		Permissions: []permissions.Key{
			{Resource: permissions.ResourceLeads, Action: permissions.ActionView, Scope: permissions.ScopeAll},
			{Resource: permissions.ResourceLeads, Action: permissions.ActionView, Scope: permissions.ScopeOwn},
		},
	}, okHandler(&invoked))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil)
	r.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	h(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code, "any one of the listed permissions suffices")
	assert.Equal(t, 1, invoked)
}

func TestWrapAPIKeyScopeCheck(t *testing.T) {
	e := newEnv(t)
	var invoked int
	h := e.pipe.Wrap(Options{
		AuthRequired:   true,
		UseAPIKeyAuth:  true,
		RequiredScopes: []string{"leads:write"},
	}, okHandler(&invoked))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/leads", nil)
	r.Header.Set(APIKeyHeader, "crm_key_raw")
	rec := httptest.NewRecorder()
	h(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, invoked)

	e.keys.key.Scopes = []string{"leads:write"}
	rec = httptest.NewRecorder()
	h(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWrapIdempotencyReplay(t *testing.T) {
	e := newEnv(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	e.pipe.deps.Idempotency = idempotency.NewGuard(db, 24*time.Hour)

	var invoked int
	h := e.pipe.Wrap(Options{
		AuthRequired:  true,
		Idempotent:    true,
		SuccessStatus: http.StatusCreated,
	}, okHandler(&invoked))

	const key = "client-key-0123456789abcdef"
	body := `{"clientName":"Acme"}`
	hash := idempotency.RequestHash(http.MethodPost, "/api/v1/leads", []byte(body))

	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/leads", strings.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+e.token)
		r.Header.Set(idempotency.Header, key)
		return r
	}

	// First request: fresh key, handler runs, response is committed.
	mock.ExpectQuery("SELECT idempotency_key, tenant_id, request_hash").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key"}))
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	h(rec, newReq())
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, 1, invoked)
	assert.Empty(t, rec.Header().Get(ReplayedHeader))
	firstBody := rec.Body.String()

	// Second request: same key and payload replays the stored response.
	mock.ExpectQuery("SELECT idempotency_key, tenant_id, request_hash").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{
			"idempotency_key", "tenant_id", "request_hash", "status_code",
			"response_body", "created_at", "expires_at",
		}).AddRow(key, "t1", hash, http.StatusCreated, []byte(firstBody),
			time.Now(), time.Now().Add(time.Hour)))

	rec = httptest.NewRecorder()
	h(rec, newReq())
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, invoked, "replay never re-runs the handler")
	assert.Equal(t, "true", rec.Header().Get(ReplayedHeader))
	assert.JSONEq(t, firstBody, rec.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrapIdempotencyPayloadMismatch(t *testing.T) {
	e := newEnv(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	e.pipe.deps.Idempotency = idempotency.NewGuard(db, 24*time.Hour)

	var invoked int
	h := e.pipe.Wrap(Options{AuthRequired: true, Idempotent: true}, okHandler(&invoked))

	const key = "client-key-0123456789abcdef"
	mock.ExpectQuery("SELECT idempotency_key, tenant_id, request_hash").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{
			"idempotency_key", "tenant_id", "request_hash", "status_code",
			"response_body", "created_at", "expires_at",
		}).AddRow(key, "t1", "different-hash", http.StatusOK, []byte(`{}`),
			time.Now(), time.Now().Add(time.Hour)))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/leads", strings.NewReader(`{"clientName":"Other"}`))
	r.Header.Set("Authorization", "Bearer "+e.token)
	r.Header.Set(idempotency.Header, key)
	rec := httptest.NewRecorder()
	h(rec, r)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 0, invoked)
}

func TestWrapVersionConflictEnvelope(t *testing.T) {
	e := newEnv(t)
	h := e.pipe.Wrap(Options{AuthRequired: true}, func(c *Ctx) (interface{}, error) {
		return nil, apierr.NewVersionConflict("lead", "l1", 3, 5)
	})

	r := httptest.NewRequest(http.MethodPut, "/api/v1/leads/l1", nil)
	r.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	h(rec, r)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "expected 3, actual 5")
}

func TestWrapRecoversFromPanic(t *testing.T) {
	e := newEnv(t)
	h := e.pipe.Wrap(Options{}, func(c *Ctx) (interface{}, error) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
	assert.NotContains(t, rec.Body.String(), "boom", "panic detail stays server-side")
}

func TestWrapHealthGate(t *testing.T) {
	e := newEnv(t)
	e.pipe.deps.Health = unhealthy{}
	var invoked int
	h := e.pipe.Wrap(Options{CheckDBHealth: true}, okHandler(&invoked))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/leads", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, invoked)
}

type unhealthy struct{}

func (unhealthy) DatabaseHealthy(context.Context) bool { return false }
