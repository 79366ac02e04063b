// Package audit records security-relevant events: authentication, permission
// denials, entity mutations, and role or permission changes. Writes are
// best-effort through the background queue and never fail the request that
// produced them.
package audit

import (
	"context"
	"time"
)

// ActionType classifies an audit event.
type ActionType string

const (
	ActionLogin       ActionType = "auth.login"
	ActionLogout      ActionType = "auth.logout"
	ActionLoginFailed ActionType = "auth.login_failed"

	ActionDenied ActionType = "authz.denied"

	ActionEntityCreate ActionType = "entity.create"
	ActionEntityUpdate ActionType = "entity.update"
	ActionEntityDelete ActionType = "entity.delete"
	ActionEntityAssign ActionType = "entity.assign"

	ActionRoleChange       ActionType = "role.change"
	ActionPermissionChange ActionType = "permission.change"
	ActionAPIKeyCreate     ActionType = "apikey.create"
	ActionAPIKeyRevoke     ActionType = "apikey.revoke"
)

// Entry is one audit record.
type Entry struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenantId"`
	ActorID    string                 `json:"actorId"`
	Action     ActionType             `json:"action"`
	EntityType string                 `json:"entityType,omitempty"`
	EntityID   string                 `json:"entityId,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	RequestID  string                 `json:"requestId,omitempty"`
	IPAddress  string                 `json:"ipAddress,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, e Entry) error
}

// NopWriter discards entries; used in tests and when auditing is disabled.
type NopWriter struct{}

// Write implements Writer.
func (NopWriter) Write(context.Context, Entry) error { return nil }
