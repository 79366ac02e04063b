package crm

import (
	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/httputil"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/pipeline"
)

type roleCreateRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type roleFieldsRequest struct {
	Fields []permissions.FieldGrant `json:"fields"`
}

type userRoleRequest struct {
	// Exactly one of role / customRoleId is set; customRoleId null clears the
	// custom role and falls back to the legacy role.
	Role         *permissions.LegacyRole `json:"role"`
	CustomRoleID *string                 `json:"customRoleId"`
	ClearCustom  bool                    `json:"clearCustomRole"`
}

func parseKeys(raw []string) ([]permissions.Key, error) {
	keys := make([]permissions.Key, 0, len(raw))
	for _, s := range raw {
		k, err := permissions.ParseKey(s)
		if err != nil {
			return nil, apierr.NewValidation("permissions", err.Error(), "UNKNOWN_PERMISSION")
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (h *Handlers) listRoles(c *pipeline.Ctx) (interface{}, error) {
	roles, err := h.perms.ListCustomRoles(c.Context(), c.Identity.TenantID)
	if err != nil {
		return nil, err
	}
	return Page{Items: roles, Total: len(roles)}, nil
}

func (h *Handlers) getRole(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	role, err := h.perms.GetCustomRole(c.Context(), c.Identity.TenantID, id)
	if err != nil {
		return nil, err
	}
	keys, err := h.perms.GetCustomRolePermissions(c.Context(), role.ID)
	if err != nil {
		return nil, err
	}
	grants, err := h.perms.GetFieldGrants(c.Context(), role.ID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"role":        role,
		"permissions": permissions.NewSet(keys...).Keys(),
		"fields":      grants,
	}, nil
}

func (h *Handlers) createRole(c *pipeline.Ctx) (interface{}, error) {
	var req roleCreateRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, apierr.NewValidation("name", "is required", "REQUIRED")
	}
	keys, err := parseKeys(req.Permissions)
	if err != nil {
		return nil, err
	}

	role, err := h.perms.CreateCustomRole(c.Context(), c.Identity.TenantID, req.Name, req.Description, keys)
	if err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionPermissionChange,
		EntityType: "role",
		EntityID:   role.ID,
		Detail:     map[string]interface{}{"name": role.Name, "created": true},
	})
	return role, nil
}

// replaceRolePermissions swaps a role's full grant set and pushes fresh
// permissions to every holder.
func (h *Handlers) replaceRolePermissions(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req rolePermissionsRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}
	keys, err := parseKeys(req.Permissions)
	if err != nil {
		return nil, err
	}

	if err := h.perms.ReplaceCustomRolePermissions(c.Context(), c.Identity.TenantID, id, keys); err != nil {
		return nil, err
	}

	holders, err := h.perms.ListUserIDsWithCustomRole(c.Context(), id)
	if err != nil {
		return nil, err
	}
	for _, userID := range holders {
		if _, err := h.notifier.PermissionsChanged(c.Context(), c.Identity.TenantID, userID); err != nil {
			c.Logger().WithError(err).WithField("user_id", userID).
				Warn("Failed to push permission change")
		}
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionPermissionChange,
		EntityType: "role",
		EntityID:   id,
		Detail: map[string]interface{}{
			"permissions":   permissions.NewSet(keys...).Keys(),
			"affectedUsers": len(holders),
		},
	})
	return map[string]interface{}{"updated": true, "affectedUsers": len(holders)}, nil
}

// replaceRoleFields swaps a role's field grants. Grants take effect on the
// next request; there is no per-request cache to invalidate.
func (h *Handlers) replaceRoleFields(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req roleFieldsRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}

	if err := h.perms.ReplaceFieldGrants(c.Context(), c.Identity.TenantID, id, req.Fields); err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionPermissionChange,
		EntityType: "role",
		EntityID:   id,
		Detail:     map[string]interface{}{"fieldGrants": len(req.Fields)},
	})
	return map[string]interface{}{"updated": true}, nil
}

func (h *Handlers) deleteRole(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	if err := h.perms.DeleteCustomRole(c.Context(), c.Identity.TenantID, id); err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionPermissionChange,
		EntityType: "role",
		EntityID:   id,
		Detail:     map[string]interface{}{"deleted": true},
	})
	return map[string]interface{}{"deleted": true}, nil
}

// assignUserRole changes a user's legacy role or custom role and runs the
// invalidation protocol so the change is visible on their next request.
func (h *Handlers) assignUserRole(c *pipeline.Ctx) (interface{}, error) {
	userID, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req userRoleRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}
	if req.Role == nil && req.CustomRoleID == nil && !req.ClearCustom {
		return nil, apierr.NewValidation("body", "role, customRoleId, or clearCustomRole is required", "EMPTY_UPDATE")
	}

	detail := map[string]interface{}{}
	if req.Role != nil {
		if err := h.perms.AssignLegacyRole(c.Context(), c.Identity.TenantID, userID, *req.Role); err != nil {
			return nil, err
		}
		detail["role"] = *req.Role
	}
	if req.CustomRoleID != nil || req.ClearCustom {
		if err := h.perms.AssignCustomRole(c.Context(), c.Identity.TenantID, userID, req.CustomRoleID); err != nil {
			return nil, err
		}
		if req.CustomRoleID != nil {
			detail["customRoleId"] = *req.CustomRoleID
		} else {
			detail["customRoleId"] = nil
		}
	}

	hash, err := h.notifier.PermissionsChanged(c.Context(), c.Identity.TenantID, userID)
	if err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionRoleChange,
		EntityType: "user",
		EntityID:   userID,
		Detail:     detail,
	})
	return map[string]interface{}{"updated": true, "permissionsHash": hash}, nil
}
