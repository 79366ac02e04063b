package crm

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/apikeys"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/httputil"
	"github.com/funnelworks/crm-core/pkg/notify"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/pipeline"
	"github.com/funnelworks/crm-core/pkg/sessions"
)

// Handlers binds the entity stores and authorization services to HTTP routes.
type Handlers struct {
	pipe     *pipeline.Pipeline
	resolver *permissions.Resolver
	perms    *permissions.Store
	leads    *LeadStore
	cases    *CaseStore
	sessions *sessions.Store
	keys     *apikeys.Store
	notifier *notify.Notifier
	recorder *audit.Recorder
	auditLog *audit.DBWriter
	sso      pipeline.SSOVerifier
}

// HandlerDeps wires the handler set. SSO and AuditLog may be nil; the
// corresponding routes then reject or are skipped.
type HandlerDeps struct {
	Pipeline *pipeline.Pipeline
	Resolver *permissions.Resolver
	Perms    *permissions.Store
	Leads    *LeadStore
	Cases    *CaseStore
	Sessions *sessions.Store
	Keys     *apikeys.Store
	Notifier *notify.Notifier
	Recorder *audit.Recorder
	AuditLog *audit.DBWriter
	SSO      pipeline.SSOVerifier
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlerDeps) *Handlers {
	return &Handlers{
		pipe:     deps.Pipeline,
		resolver: deps.Resolver,
		perms:    deps.Perms,
		leads:    deps.Leads,
		cases:    deps.Cases,
		sessions: deps.Sessions,
		keys:     deps.Keys,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		auditLog: deps.AuditLog,
		sso:      deps.SSO,
	}
}

// anyScope returns the four scoped variants of one permission, for routes
// where holding any scope grants entry; the record filter narrows from there.
func anyScope(res permissions.Resource, action permissions.Action) []permissions.Key {
	return []permissions.Key{
		{Resource: res, Action: action, Scope: permissions.ScopeAll},
		{Resource: res, Action: action, Scope: permissions.ScopeTeam},
		{Resource: res, Action: action, Scope: permissions.ScopeAssigned},
		{Resource: res, Action: action, Scope: permissions.ScopeOwn},
	}
}

func one(res permissions.Resource, action permissions.Action) []permissions.Key {
	return []permissions.Key{{Resource: res, Action: action}}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	authed := pipeline.Options{
		AuthRequired:          true,
		CheckDBHealth:         true,
		UseAPIKeyAuth:         true,
		UseSSOAuth:            true,
		UpdateSessionActivity: true,
	}
	with := func(base pipeline.Options, mutate func(*pipeline.Options)) pipeline.Options {
		mutate(&base)
		return base
	}

	// Authentication.
	api.HandleFunc("/auth/sessions", h.pipe.Wrap(pipeline.Options{
		CheckDBHealth: true,
		SuccessStatus: http.StatusCreated,
	}, h.login)).Methods(http.MethodPost)
	api.HandleFunc("/auth/sessions/current", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.UpdateSessionActivity = false
	}), h.logout)).Methods(http.MethodDelete)
	api.HandleFunc("/auth/me", h.pipe.Wrap(authed, h.me)).Methods(http.MethodGet)

	// Permission catalog.
	api.HandleFunc("/permissions/catalog", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceRoles, permissions.ActionView)
	}), h.catalog)).Methods(http.MethodGet)

	// Leads.
	api.HandleFunc("/leads", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceLeads, permissions.ActionView)
		o.RequiredScopes = []string{"leads:read"}
	}), h.listLeads)).Methods(http.MethodGet)
	api.HandleFunc("/leads", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceLeads, permissions.ActionCreate)
		o.RequiredScopes = []string{"leads:write"}
		o.Idempotent = true
		o.SuccessStatus = http.StatusCreated
	}), h.createLead)).Methods(http.MethodPost)
	api.HandleFunc("/leads/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceLeads, permissions.ActionView)
		o.RequiredScopes = []string{"leads:read"}
	}), h.getLead)).Methods(http.MethodGet)
	api.HandleFunc("/leads/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceLeads, permissions.ActionEdit)
		o.RequiredScopes = []string{"leads:write"}
		o.Idempotent = true
	}), h.updateLead)).Methods(http.MethodPut)
	api.HandleFunc("/leads/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceLeads, permissions.ActionDelete)
		o.RequiredScopes = []string{"leads:write"}
	}), h.deleteLead)).Methods(http.MethodDelete)
	api.HandleFunc("/leads/{id}/assign", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceLeads, permissions.ActionAssign)
		o.RequiredScopes = []string{"leads:write"}
		o.Idempotent = true
	}), h.assignLead)).Methods(http.MethodPost)

	// Cases.
	api.HandleFunc("/cases", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceCases, permissions.ActionView)
		o.RequiredScopes = []string{"cases:read"}
	}), h.listCases)).Methods(http.MethodGet)
	api.HandleFunc("/cases", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceCases, permissions.ActionCreate)
		o.RequiredScopes = []string{"cases:write"}
		o.Idempotent = true
		o.SuccessStatus = http.StatusCreated
	}), h.createCase)).Methods(http.MethodPost)
	api.HandleFunc("/cases/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceCases, permissions.ActionView)
		o.RequiredScopes = []string{"cases:read"}
	}), h.getCase)).Methods(http.MethodGet)
	api.HandleFunc("/cases/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceCases, permissions.ActionEdit)
		o.RequiredScopes = []string{"cases:write"}
		o.Idempotent = true
	}), h.updateCase)).Methods(http.MethodPut)
	api.HandleFunc("/cases/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = anyScope(permissions.ResourceCases, permissions.ActionDelete)
		o.RequiredScopes = []string{"cases:write"}
	}), h.deleteCase)).Methods(http.MethodDelete)
	api.HandleFunc("/cases/{id}/assign", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceCases, permissions.ActionAssign)
		o.RequiredScopes = []string{"cases:write"}
		o.Idempotent = true
	}), h.assignCase)).Methods(http.MethodPost)

	// Roles administration.
	api.HandleFunc("/roles", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceRoles, permissions.ActionView)
	}), h.listRoles)).Methods(http.MethodGet)
	api.HandleFunc("/roles", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceRoles, permissions.ActionManage)
		o.Idempotent = true
		o.SuccessStatus = http.StatusCreated
	}), h.createRole)).Methods(http.MethodPost)
	api.HandleFunc("/roles/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceRoles, permissions.ActionView)
	}), h.getRole)).Methods(http.MethodGet)
	api.HandleFunc("/roles/{id}/permissions", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceRoles, permissions.ActionManage)
	}), h.replaceRolePermissions)).Methods(http.MethodPut)
	api.HandleFunc("/roles/{id}/fields", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceRoles, permissions.ActionManage)
	}), h.replaceRoleFields)).Methods(http.MethodPut)
	api.HandleFunc("/roles/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceRoles, permissions.ActionManage)
	}), h.deleteRole)).Methods(http.MethodDelete)

	// User role assignment.
	api.HandleFunc("/users/{id}/role", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceUsers, permissions.ActionManage)
	}), h.assignUserRole)).Methods(http.MethodPut)

	// API keys.
	api.HandleFunc("/apikeys", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceIntegrations, permissions.ActionManage)
		o.SuccessStatus = http.StatusCreated
	}), h.createAPIKey)).Methods(http.MethodPost)
	api.HandleFunc("/apikeys/{id}", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceIntegrations, permissions.ActionManage)
	}), h.revokeAPIKey)).Methods(http.MethodDelete)

	// Audit trail.
	api.HandleFunc("/audit", h.pipe.Wrap(with(authed, func(o *pipeline.Options) {
		o.Permissions = one(permissions.ResourceAudit, permissions.ActionView)
	}), h.listAudit)).Methods(http.MethodGet)
}

// parseListQuery reads the shared pagination parameters.
func parseListQuery(c *pipeline.Ctx) (ListQuery, error) {
	limit, err := httputil.QueryInt(c.Request, "limit", 50)
	if err != nil {
		return ListQuery{}, err
	}
	offset, err := httputil.QueryInt(c.Request, "offset", 0)
	if err != nil {
		return ListQuery{}, err
	}
	return ListQuery{
		Status: httputil.QueryString(c.Request, "status", ""),
		Search: httputil.QueryString(c.Request, "search", ""),
		Limit:  limit,
		Offset: offset,
	}, nil
}

// deleteVersion reads the expected record version for a DELETE: from a JSON
// body when one is sent, else from the version query parameter.
func deleteVersion(c *pipeline.Ctx) (int64, error) {
	if c.Request.ContentLength > 0 {
		var req struct {
			Version int64 `json:"version"`
		}
		if err := httputil.ParseJSON(c.Request, &req); err != nil {
			return 0, err
		}
		return req.Version, nil
	}
	v, err := httputil.QueryInt(c.Request, "version", 0)
	return int64(v), err
}

func pathID(c *pipeline.Ctx) (string, error) {
	id := c.Vars["id"]
	if id == "" {
		return "", apierr.NewValidation("id", "is required", "MISSING_PARAMETER")
	}
	return id, nil
}
