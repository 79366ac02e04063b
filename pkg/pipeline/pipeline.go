// Package pipeline wraps every endpoint in one fixed sequence of phases:
// health gate, rate limit, authentication, permission checks, session
// activity, idempotency, the handler itself, error normalization, and
// response finalization. Handlers contain only domain logic; everything
// cross-cutting lives here, in one place, in one order.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/apikeys"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/contextkeys"
	"github.com/funnelworks/crm-core/pkg/httputil"
	"github.com/funnelworks/crm-core/pkg/idempotency"
	"github.com/funnelworks/crm-core/pkg/observability"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/ratelimit"
	"github.com/funnelworks/crm-core/pkg/sessions"
	"github.com/funnelworks/crm-core/pkg/sso"
	"github.com/funnelworks/crm-core/pkg/tasks"
)

const (
	// SessionCookie is the cookie fallback for browser clients that cannot
	// set the Authorization header.
	SessionCookie = "crm_session"
	// APIKeyHeader carries an API key for machine clients.
	APIKeyHeader = "X-API-Key"
	// ReplayedHeader marks responses served from the idempotency log.
	ReplayedHeader = "Idempotency-Replayed"

	maxIdempotentBody = 1 << 20
)

// AuthMethod records how a request authenticated.
type AuthMethod string

const (
	AuthSession AuthMethod = "session"
	AuthAPIKey  AuthMethod = "api_key"
	AuthSSO     AuthMethod = "sso"
)

// Identity is the authenticated principal for one request.
type Identity struct {
	UserID   string
	TenantID string
	Role     permissions.LegacyRole
	Method   AuthMethod

	Session *sessions.Session
	APIKey  *apikeys.Key
}

// Ctx is what a handler receives: the request, its path variables, and the
// resolved identity.
type Ctx struct {
	Request   *http.Request
	Vars      map[string]string
	Identity  Identity
	StartedAt time.Time

	logger *observability.Logger
}

// Context returns the request context, annotated with request, user, and
// tenant IDs.
func (c *Ctx) Context() context.Context { return c.Request.Context() }

// Logger returns a logger annotated with the request's identifiers.
func (c *Ctx) Logger() *observability.Logger { return c.logger }

// Handler is a domain handler. The returned value is wrapped in the success
// envelope; errors are normalized through the taxonomy.
type Handler func(c *Ctx) (interface{}, error)

// Options selects which phases apply to an endpoint.
type Options struct {
	// AuthRequired demands an authenticated principal.
	AuthRequired bool
	// CheckDBHealth gates the endpoint on database reachability.
	CheckDBHealth bool

	// UseAPIKeyAuth accepts the X-API-Key header.
	UseAPIKeyAuth bool
	// UseSSOAuth accepts OIDC bearer tokens alongside sessions.
	UseSSOAuth bool
	// RequiredScopes are enforced for API-key principals only.
	RequiredScopes []string

	// Permissions the principal must hold; RequireAll demands every one,
	// otherwise any one suffices.
	Permissions []permissions.Key
	RequireAll  bool

	// RateLimit overrides the default per-client limit. A zero Requests
	// disables limiting for the endpoint.
	RateLimit *ratelimit.Limit

	// SkipTenantCheck permits principals without a tenant binding; only
	// cross-tenant platform operations set it.
	SkipTenantCheck bool

	// UpdateSessionActivity refreshes the session's last-activity timestamp
	// in the background.
	UpdateSessionActivity bool

	// Idempotent honors the Idempotency-Key header on this endpoint.
	Idempotent bool

	// SuccessStatus overrides the 200 written on success.
	SuccessStatus int
}

// UserDirectory resolves principals to user records.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*permissions.User, error)
	GetUserByEmail(ctx context.Context, email string) (*permissions.User, error)
}

// SessionSource resolves and touches sessions.
type SessionSource interface {
	Lookup(ctx context.Context, token string) (*sessions.Session, error)
	Touch(ctx context.Context, sessionID string) error
}

// KeySource resolves API keys and records their usage.
type KeySource interface {
	Lookup(ctx context.Context, raw string) (*apikeys.Key, error)
	RecordUsage(ctx context.Context, keyID, endpoint string, statusCode int, duration time.Duration) error
}

// SSOVerifier verifies OIDC bearer tokens.
type SSOVerifier interface {
	Verify(ctx context.Context, rawToken string) (*sso.Identity, error)
}

// DBHealth reports database reachability.
type DBHealth interface {
	DatabaseHealthy(ctx context.Context) bool
}

// Deps wires the pipeline's collaborators. Logger, Metrics, Resolver, Users,
// and Queue are required; the rest disable their phase when nil.
type Deps struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Health  DBHealth

	Limiter      ratelimit.Limiter
	DefaultLimit ratelimit.Limit

	Resolver *permissions.Resolver
	Users    UserDirectory
	Sessions SessionSource
	Keys     KeySource
	SSO      SSOVerifier

	Idempotency *idempotency.Guard
	Queue       *tasks.Queue
	Audit       *audit.Recorder
}

// Pipeline builds http.Handlers from domain handlers.
type Pipeline struct {
	deps Deps
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.written {
		return
	}
	r.status = status
	r.written = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

type stagedKey struct {
	key  string
	hash string
}

// Wrap turns a domain handler into an http.HandlerFunc running the full
// phase sequence.
func (p *Pipeline) Wrap(opts Options, handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()

		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		var ident Identity

		defer func() {
			p.finalize(r, rec, ident, start)
		}()
		defer func() {
			if rv := recover(); rv != nil {
				p.deps.Logger.FromContext(r.Context()).
					WithField("panic", fmt.Sprintf("%v", rv)).
					Error("Handler panicked")
				if !rec.written {
					httputil.WriteAPIError(rec, fmt.Errorf("panic: %v", rv))
				}
			}
		}()

		if opts.CheckDBHealth && p.deps.Health != nil && !p.deps.Health.DatabaseHealthy(r.Context()) {
			p.fail(rec, r, apierr.NewUnavailable("service temporarily unavailable"))
			return
		}

		if !p.allowRate(rec, r, opts) {
			return
		}

		if opts.AuthRequired {
			id, err := p.authenticate(r.Context(), r, opts)
			if err != nil {
				p.fail(rec, r, err)
				return
			}
			ident = *id
			if ident.TenantID == "" && !opts.SkipTenantCheck {
				p.fail(rec, r, apierr.NewAuth("no tenant bound to this principal"))
				return
			}

			ctx = contextkeys.WithUserID(r.Context(), ident.UserID)
			ctx = contextkeys.WithTenantID(ctx, ident.TenantID)
			r = r.WithContext(ctx)

			p.deps.Logger.FromContext(r.Context()).WithFields(map[string]interface{}{
				"method": r.Method,
				"path":   httputil.RouteTemplate(r),
				"auth":   string(ident.Method),
			}).Debug("Request received")
		}

		if len(opts.Permissions) > 0 {
			ok, err := p.deps.Resolver.CheckKeys(r.Context(), ident.UserID, opts.Permissions, opts.RequireAll)
			if err != nil {
				p.fail(rec, r, err)
				return
			}
			if !ok {
				p.deny(r, ident, opts)
				p.fail(rec, r, apierr.NewForbidden("you do not have permission to perform this action"))
				return
			}
		}

		if ident.APIKey != nil && len(opts.RequiredScopes) > 0 && !ident.APIKey.HasScopes(opts.RequiredScopes) {
			p.deny(r, ident, opts)
			p.fail(rec, r, apierr.NewForbidden("API key is missing a required scope"))
			return
		}

		if opts.UpdateSessionActivity && ident.Session != nil && p.deps.Sessions != nil {
			sessionID := ident.Session.ID
			p.deps.Queue.Dispatch("session.touch", func(taskCtx context.Context) error {
				return p.deps.Sessions.Touch(taskCtx, sessionID)
			})
		}

		var staged *stagedKey
		if opts.Idempotent && p.deps.Idempotency != nil {
			if key := r.Header.Get(idempotency.Header); key != "" {
				done, s := p.beginIdempotent(rec, r, ident, key)
				if done {
					return
				}
				staged = s
			}
		}

		pctx := &Ctx{
			Request:   r,
			Vars:      mux.Vars(r),
			Identity:  ident,
			StartedAt: start,
			logger:    p.deps.Logger.FromContext(r.Context()),
		}
		data, err := handler(pctx)
		if err != nil {
			p.fail(rec, r, err)
			return
		}

		status := opts.SuccessStatus
		if status == 0 {
			status = http.StatusOK
		}

		if staged != nil {
			body, merr := httputil.MarshalSuccess(data)
			if merr != nil {
				p.fail(rec, r, fmt.Errorf("encode response: %w", merr))
				return
			}
			if cerr := p.deps.Idempotency.Commit(r.Context(), ident.TenantID, staged.key, staged.hash, status, body); cerr != nil {
				// The mutation already happened; a failed commit only costs
				// replay protection for this key.
				p.deps.Logger.FromContext(r.Context()).WithError(cerr).
					Warn("Failed to store idempotency entry")
			}
			rec.Header().Set("Content-Type", "application/json")
			rec.WriteHeader(status)
			rec.Write(body)
			return
		}

		httputil.WriteSuccess(rec, status, data)
	}
}

// allowRate runs the rate-limit phase; false means the response is written.
func (p *Pipeline) allowRate(rec *statusRecorder, r *http.Request, opts Options) bool {
	if p.deps.Limiter == nil {
		return true
	}
	limit := p.deps.DefaultLimit
	if opts.RateLimit != nil {
		limit = *opts.RateLimit
	}
	if limit.Requests <= 0 {
		return true
	}

	key := "ip:" + httputil.ClientIP(r) + ":" + httputil.RouteTemplate(r)
	res, err := p.deps.Limiter.Allow(r.Context(), key, limit)
	if err != nil {
		// Fail open, same as a limiter outage.
		return true
	}

	rec.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	rec.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	rec.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

	if res.Allowed {
		return true
	}

	retryAfter := int(time.Until(res.Reset).Seconds()) + 1
	if retryAfter < 1 {
		retryAfter = 1
	}
	rec.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	if p.deps.Metrics != nil {
		p.deps.Metrics.RateLimitRejections.WithLabelValues(httputil.RouteTemplate(r)).Inc()
	}
	p.fail(rec, r, &apierr.RateLimitError{RetryAfterSeconds: retryAfter})
	return false
}

func (p *Pipeline) authenticate(ctx context.Context, r *http.Request, opts Options) (*Identity, error) {
	if opts.UseAPIKeyAuth {
		if raw := r.Header.Get(APIKeyHeader); raw != "" {
			return p.authenticateAPIKey(ctx, raw)
		}
	}

	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return nil, apierr.NewAuth("authentication required")
	}

	if err := sessions.ValidateTokenFormat(token); err == nil {
		return p.authenticateSession(ctx, token)
	}
	if opts.UseSSOAuth && p.deps.SSO != nil {
		return p.authenticateSSO(ctx, token)
	}
	return nil, apierr.NewAuth("invalid credentials")
}

func (p *Pipeline) authenticateSession(ctx context.Context, token string) (*Identity, error) {
	sess, err := p.deps.Sessions.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := p.deps.Users.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, apierr.NewAuth("invalid or expired session")
	}
	if !user.IsActive {
		return nil, apierr.NewAuth("account is deactivated")
	}
	return &Identity{
		UserID:   sess.UserID,
		TenantID: sess.TenantID,
		Role:     user.Role,
		Method:   AuthSession,
		Session:  sess,
	}, nil
}

func (p *Pipeline) authenticateAPIKey(ctx context.Context, raw string) (*Identity, error) {
	key, err := p.deps.Keys.Lookup(ctx, raw)
	if err != nil {
		return nil, err
	}
	user, err := p.deps.Users.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, apierr.NewAuth("invalid API key")
	}
	if !user.IsActive {
		return nil, apierr.NewAuth("account is deactivated")
	}
	return &Identity{
		UserID:   key.UserID,
		TenantID: key.TenantID,
		Role:     user.Role,
		Method:   AuthAPIKey,
		APIKey:   key,
	}, nil
}

func (p *Pipeline) authenticateSSO(ctx context.Context, token string) (*Identity, error) {
	id, err := p.deps.SSO.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := p.deps.Users.GetUserByEmail(ctx, id.Email)
	if err != nil {
		// An unprovisioned subject is an authentication failure, not a 404.
		return nil, apierr.NewAuth("no account for this identity")
	}
	if !user.IsActive {
		return nil, apierr.NewAuth("account is deactivated")
	}
	return &Identity{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Role:     user.Role,
		Method:   AuthSSO,
	}, nil
}

// beginIdempotent runs the idempotency phase. done=true means a response was
// written (replay or rejection); otherwise the returned staged key is
// committed after the handler succeeds.
func (p *Pipeline) beginIdempotent(rec *statusRecorder, r *http.Request, ident Identity, key string) (done bool, staged *stagedKey) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
	if err != nil {
		p.fail(rec, r, fmt.Errorf("read request body: %w", err))
		return true, nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	hash := idempotency.RequestHash(r.Method, r.URL.Path, body)
	outcome, err := p.deps.Idempotency.Begin(r.Context(), ident.TenantID, key, hash)
	if err != nil {
		var conflict *apierr.ConflictError
		var unprocessable *apierr.UnprocessableError
		if p.deps.Metrics != nil && (errors.As(err, &conflict) || errors.As(err, &unprocessable)) {
			p.deps.Metrics.IdempotencyConflicts.Inc()
		}
		p.fail(rec, r, err)
		return true, nil
	}

	if outcome.Replay != nil {
		if p.deps.Metrics != nil {
			p.deps.Metrics.IdempotencyReplays.Inc()
		}
		rec.Header().Set("Content-Type", "application/json")
		rec.Header().Set(ReplayedHeader, "true")
		rec.WriteHeader(outcome.Replay.StatusCode)
		rec.Write(outcome.Replay.ResponseBody)
		return true, nil
	}

	return false, &stagedKey{key: key, hash: hash}
}

// deny records a permission denial in metrics and the audit trail.
func (p *Pipeline) deny(r *http.Request, ident Identity, opts Options) {
	route := httputil.RouteTemplate(r)
	if p.deps.Metrics != nil {
		p.deps.Metrics.PermissionDenials.WithLabelValues(route).Inc()
	}
	if p.deps.Audit == nil {
		return
	}
	required := make([]string, 0, len(opts.Permissions))
	for _, k := range opts.Permissions {
		required = append(required, k.String())
	}
	p.deps.Audit.Record(r.Context(), audit.Entry{
		TenantID: ident.TenantID,
		ActorID:  ident.UserID,
		Action:   audit.ActionDenied,
		Detail: map[string]interface{}{
			"path":     route,
			"method":   r.Method,
			"required": required,
		},
		IPAddress: httputil.ClientIP(r),
	})
}

// fail normalizes an error into the failure envelope and logs it.
func (p *Pipeline) fail(rec *statusRecorder, r *http.Request, err error) {
	var conflict *apierr.ConflictError
	if p.deps.Metrics != nil && errors.As(err, &conflict) && conflict.EntityType != "" {
		p.deps.Metrics.VersionConflicts.WithLabelValues(conflict.EntityType).Inc()
	}

	status := apierr.HTTPStatus(err)
	logger := p.deps.Logger.FromContext(r.Context()).WithField("status", status)
	if status >= 500 {
		logger.WithError(err).Error("Request failed")
	} else {
		logger.WithError(err).Debug("Request rejected")
	}

	httputil.WriteAPIError(rec, err)
}

// finalize records metrics, writes the access log line, and dispatches
// API-key usage recording.
func (p *Pipeline) finalize(r *http.Request, rec *statusRecorder, ident Identity, start time.Time) {
	duration := time.Since(start)
	route := httputil.RouteTemplate(r)

	if p.deps.Metrics != nil {
		p.deps.Metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		p.deps.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	}

	p.deps.Logger.FromContext(r.Context()).WithFields(map[string]interface{}{
		"method":      r.Method,
		"path":        route,
		"status":      rec.status,
		"duration_ms": duration.Milliseconds(),
		"client_ip":   httputil.ClientIP(r),
	}).Info("Request completed")

	if ident.APIKey != nil && p.deps.Keys != nil {
		keyID := ident.APIKey.ID
		status := rec.status
		p.deps.Queue.Dispatch("apikey.usage", func(taskCtx context.Context) error {
			return p.deps.Keys.RecordUsage(taskCtx, keyID, route, status, duration)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
