package crm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/httputil"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/pipeline"
)

type leadCreateRequest struct {
	ClientName   string                 `json:"clientName"`
	Email        string                 `json:"email"`
	MobileNumber string                 `json:"mobileNumber"`
	Company      string                 `json:"company"`
	Source       string                 `json:"source"`
	Status       LeadStatus             `json:"status"`
	Notes        string                 `json:"notes"`
	CustomFields map[string]interface{} `json:"customFields"`
	AssignedToID *string                `json:"assignedToId"`
}

type leadUpdateRequest struct {
	Version      int64                  `json:"version"`
	ClientName   *string                `json:"clientName"`
	Email        *string                `json:"email"`
	MobileNumber *string                `json:"mobileNumber"`
	Company      *string                `json:"company"`
	Source       *string                `json:"source"`
	Status       *LeadStatus            `json:"status"`
	Notes        *string                `json:"notes"`
	CustomFields map[string]interface{} `json:"customFields"`
}

type assignRequest struct {
	Version    int64   `json:"version"`
	AssigneeID *string `json:"assigneeId"`
}

func (h *Handlers) listLeads(c *pipeline.Ctx) (interface{}, error) {
	q, err := parseListQuery(c)
	if err != nil {
		return nil, err
	}
	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceLeads, permissions.ActionView)
	if err != nil {
		return nil, err
	}

	leads, total, err := h.leads.List(c.Context(), c.Identity.TenantID, filter, q)
	if err != nil {
		return nil, err
	}

	policy, err := h.fieldPolicy(c)
	if err != nil {
		return nil, err
	}
	items := make([]interface{}, 0, len(leads))
	for i := range leads {
		item, err := redactRecord(policy, permissions.ResourceLeads, &leads[i])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return Page{Items: items, Total: total}, nil
}

func (h *Handlers) getLead(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceLeads, permissions.ActionView)
	if err != nil {
		return nil, err
	}

	lead, err := h.leads.Get(c.Context(), c.Identity.TenantID, id, filter)
	if err != nil {
		return nil, err
	}
	policy, err := h.fieldPolicy(c)
	if err != nil {
		return nil, err
	}
	return redactRecord(policy, permissions.ResourceLeads, lead)
}

func (h *Handlers) createLead(c *pipeline.Ctx) (interface{}, error) {
	var req leadCreateRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ClientName) == "" {
		return nil, apierr.NewValidation("clientName", "is required", "REQUIRED")
	}
	if req.Status != "" && !ValidLeadStatus(req.Status) {
		return nil, apierr.NewValidation("status", fmt.Sprintf("unknown status %q", req.Status), "INVALID_STATUS")
	}

	lead := &Lead{
		TenantID:     c.Identity.TenantID,
		ClientName:   req.ClientName,
		Email:        req.Email,
		MobileNumber: req.MobileNumber,
		Company:      req.Company,
		Source:       req.Source,
		Status:       req.Status,
		Notes:        req.Notes,
		CustomFields: req.CustomFields,
		CreatedByID:  c.Identity.UserID,
		AssignedToID: req.AssignedToID,
	}
	if err := h.leads.Create(c.Context(), lead); err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionEntityCreate,
		EntityType: "lead",
		EntityID:   lead.ID,
	})
	return lead, nil
}

func (h *Handlers) updateLead(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req leadUpdateRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}

	set := map[string]interface{}{}
	fields := []string{}
	if req.ClientName != nil {
		set["client_name"] = *req.ClientName
		fields = append(fields, "clientName")
	}
	if req.Email != nil {
		set["email"] = *req.Email
		fields = append(fields, "email")
	}
	if req.MobileNumber != nil {
		set["mobile_number"] = *req.MobileNumber
		fields = append(fields, "mobileNumber")
	}
	if req.Company != nil {
		set["company"] = *req.Company
		fields = append(fields, "company")
	}
	if req.Source != nil {
		set["source"] = *req.Source
		fields = append(fields, "source")
	}
	if req.Status != nil {
		if !ValidLeadStatus(*req.Status) {
			return nil, apierr.NewValidation("status", fmt.Sprintf("unknown status %q", *req.Status), "INVALID_STATUS")
		}
		set["status"] = *req.Status
		fields = append(fields, "status")
	}
	if req.Notes != nil {
		set["notes"] = *req.Notes
		fields = append(fields, "notes")
	}
	if req.CustomFields != nil {
		raw, merr := marshalCustomFields(req.CustomFields)
		if merr != nil {
			return nil, merr
		}
		set["custom_fields"] = raw
		fields = append(fields, "customFields")
	}
	if len(set) == 0 {
		return nil, apierr.NewValidation("body", "no fields to update", "EMPTY_UPDATE")
	}

	if err := h.checkEditableFields(c, permissions.ResourceLeads, fields); err != nil {
		return nil, err
	}

	// The edit-scope filter gates visibility before the versioned write.
	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceLeads, permissions.ActionEdit)
	if err != nil {
		return nil, err
	}
	if _, err := h.leads.Get(c.Context(), c.Identity.TenantID, id, filter); err != nil {
		return nil, err
	}

	lead, err := h.leads.Update(c.Context(), c.Identity.TenantID, id, req.Version, set)
	if err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionEntityUpdate,
		EntityType: "lead",
		EntityID:   lead.ID,
		Detail:     map[string]interface{}{"fields": fields},
	})
	return lead, nil
}

func (h *Handlers) deleteLead(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	version, err := deleteVersion(c)
	if err != nil {
		return nil, err
	}

	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceLeads, permissions.ActionDelete)
	if err != nil {
		return nil, err
	}
	if _, err := h.leads.Get(c.Context(), c.Identity.TenantID, id, filter); err != nil {
		return nil, err
	}

	if err := h.leads.Delete(c.Context(), c.Identity.TenantID, id, version); err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionEntityDelete,
		EntityType: "lead",
		EntityID:   id,
	})
	return map[string]interface{}{"deleted": true}, nil
}

func (h *Handlers) assignLead(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req assignRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}

	lead, err := h.leads.Assign(c.Context(), c.Identity.TenantID, id, req.Version, req.AssigneeID)
	if err != nil {
		return nil, err
	}

	detail := map[string]interface{}{"assigneeId": nil}
	if req.AssigneeID != nil {
		detail["assigneeId"] = *req.AssigneeID
	}
	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionEntityAssign,
		EntityType: "lead",
		EntityID:   lead.ID,
		Detail:     detail,
	})
	return lead, nil
}

// redactRecord applies a field policy by filtering the record's JSON
// representation. A nil policy passes the record through.
func redactRecord(policy *permissions.FieldPolicy, res permissions.Resource, record interface{}) (interface{}, error) {
	if policy == nil {
		return record, nil
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return policy.Redact(res, m), nil
}

// checkEditableFields rejects updates touching fields the caller's policy
// locks.
func (h *Handlers) checkEditableFields(c *pipeline.Ctx, res permissions.Resource, fields []string) error {
	policy, err := h.fieldPolicy(c)
	if err != nil {
		return err
	}
	if policy == nil {
		return nil
	}
	for _, f := range fields {
		if !policy.CanEdit(res, f) {
			return apierr.NewValidation(f, "field is not editable for your role", "FIELD_LOCKED")
		}
	}
	return nil
}

// fieldPolicy loads the caller's field grants. The custom role is read from
// the user record, so session, API-key, and SSO principals are all subject to
// the same policy. Principals without a custom role see everything.
func (h *Handlers) fieldPolicy(c *pipeline.Ctx) (*permissions.FieldPolicy, error) {
	user, err := h.perms.GetUser(c.Context(), c.Identity.UserID)
	if err != nil {
		return nil, err
	}
	if user.CustomRoleID == nil {
		return nil, nil
	}
	return h.perms.GetFieldPolicy(c.Context(), *user.CustomRoleID)
}
