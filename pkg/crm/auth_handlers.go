package crm

import (
	"time"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/httputil"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/pipeline"
)

type loginRequest struct {
	IDToken string `json:"idToken"`
}

// unknownID fills the actor and tenant columns for failed logins, where no
// principal was established.
const unknownID = "00000000-0000-0000-0000-000000000000"

type userInfo struct {
	ID       string                  `json:"id"`
	TenantID string                  `json:"tenantId"`
	Email    string                  `json:"email"`
	Role     permissions.LegacyRole  `json:"role"`
	Custom   *permissions.CustomRole `json:"customRole,omitempty"`
}

// login exchanges a verified OIDC ID token for a session. Identity lives at
// the provider; only provisioned, active users get sessions.
func (h *Handlers) login(c *pipeline.Ctx) (interface{}, error) {
	if h.sso == nil {
		return nil, apierr.NewAuth("SSO login is not configured")
	}

	var req loginRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}

	id, err := h.sso.Verify(c.Context(), req.IDToken)
	if err != nil {
		h.recorder.Record(c.Context(), audit.Entry{
			TenantID:  unknownID,
			ActorID:   unknownID,
			Action:    audit.ActionLoginFailed,
			Detail:    map[string]interface{}{"reason": "token verification failed"},
			IPAddress: httputil.ClientIP(c.Request),
		})
		return nil, err
	}

	user, err := h.perms.GetUserByEmail(c.Context(), id.Email)
	if err != nil {
		h.recorder.Record(c.Context(), audit.Entry{
			TenantID:  unknownID,
			ActorID:   unknownID,
			Action:    audit.ActionLoginFailed,
			Detail:    map[string]interface{}{"reason": "no account for identity"},
			IPAddress: httputil.ClientIP(c.Request),
		})
		return nil, apierr.NewAuth("no account for this identity")
	}

	sess, token, err := h.sessions.Create(c.Context(), user)
	if err != nil {
		return nil, err
	}

	set, err := h.resolver.Resolve(c.Context(), user.ID)
	if err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:  user.TenantID,
		ActorID:   user.ID,
		Action:    audit.ActionLogin,
		IPAddress: httputil.ClientIP(c.Request),
	})

	return map[string]interface{}{
		"token":     token,
		"expiresAt": sess.ExpiresAt.Format(time.RFC3339),
		"user": userInfo{
			ID:       user.ID,
			TenantID: user.TenantID,
			Email:    user.Email,
			Role:     user.Role,
		},
		"permissions":     set.Keys(),
		"permissionsHash": permissions.Hash(set),
	}, nil
}

func (h *Handlers) logout(c *pipeline.Ctx) (interface{}, error) {
	if c.Identity.Session == nil {
		return nil, apierr.NewAuth("no session to end")
	}
	if err := h.sessions.Invalidate(c.Context(), c.Identity.Session.ID); err != nil {
		return nil, err
	}
	h.recorder.Record(c.Context(), audit.Entry{
		TenantID: c.Identity.TenantID,
		ActorID:  c.Identity.UserID,
		Action:   audit.ActionLogout,
	})
	return map[string]interface{}{"loggedOut": true}, nil
}

// me returns the caller's identity and effective capabilities. Clients cache
// this against the permissions hash and re-fetch when pushed a new one.
func (h *Handlers) me(c *pipeline.Ctx) (interface{}, error) {
	user, err := h.perms.GetUser(c.Context(), c.Identity.UserID)
	if err != nil {
		return nil, err
	}
	set, err := h.resolver.Resolve(c.Context(), user.ID)
	if err != nil {
		return nil, err
	}

	info := userInfo{
		ID:       user.ID,
		TenantID: user.TenantID,
		Email:    user.Email,
		Role:     user.Role,
	}
	if user.CustomRoleID != nil {
		role, err := h.perms.GetCustomRole(c.Context(), user.TenantID, *user.CustomRoleID)
		if err == nil {
			info.Custom = role
		}
	}

	return map[string]interface{}{
		"user":            info,
		"authMethod":      c.Identity.Method,
		"permissions":     set.Keys(),
		"permissionsHash": permissions.Hash(set),
	}, nil
}

type catalogEntry struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

func (h *Handlers) catalog(c *pipeline.Ctx) (interface{}, error) {
	grouped := map[string][]catalogEntry{}
	for _, e := range permissions.Catalog() {
		grouped[e.Category] = append(grouped[e.Category], catalogEntry{
			Key:         e.Key.String(),
			Label:       e.Label,
			Description: e.Description,
		})
	}
	return grouped, nil
}

type apiKeyCreateRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handlers) createAPIKey(c *pipeline.Ctx) (interface{}, error) {
	var req apiKeyCreateRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, apierr.NewValidation("name", "is required", "REQUIRED")
	}
	if len(req.Scopes) == 0 {
		return nil, apierr.NewValidation("scopes", "at least one scope is required", "REQUIRED")
	}

	key, raw, err := h.keys.Create(c.Context(), c.Identity.TenantID, c.Identity.UserID,
		req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionAPIKeyCreate,
		EntityType: "api_key",
		EntityID:   key.ID,
		Detail:     map[string]interface{}{"name": key.Name, "scopes": key.Scopes},
	})

	return map[string]interface{}{
		"apiKey": key,
		// Shown exactly once; only the hash is stored.
		"key": raw,
	}, nil
}

func (h *Handlers) revokeAPIKey(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	if err := h.keys.Revoke(c.Context(), c.Identity.TenantID, id); err != nil {
		return nil, err
	}
	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionAPIKeyRevoke,
		EntityType: "api_key",
		EntityID:   id,
	})
	return map[string]interface{}{"revoked": true}, nil
}

func (h *Handlers) listAudit(c *pipeline.Ctx) (interface{}, error) {
	if h.auditLog == nil {
		return nil, apierr.NewUnavailable("audit trail is not enabled")
	}
	q, err := parseListQuery(c)
	if err != nil {
		return nil, err
	}
	entries, err := h.auditLog.List(c.Context(), c.Identity.TenantID, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	return Page{Items: entries, Total: len(entries)}, nil
}
