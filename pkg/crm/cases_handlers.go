package crm

import (
	"fmt"
	"strings"

	"github.com/funnelworks/crm-core/pkg/apierr"
	"github.com/funnelworks/crm-core/pkg/audit"
	"github.com/funnelworks/crm-core/pkg/httputil"
	"github.com/funnelworks/crm-core/pkg/permissions"
	"github.com/funnelworks/crm-core/pkg/pipeline"
)

type caseCreateRequest struct {
	Title                 string     `json:"title"`
	Status                CaseStatus `json:"status"`
	LeadID                *string    `json:"leadId"`
	AssignedProcessUserID *string    `json:"assignedProcessUserId"`
}

type caseUpdateRequest struct {
	Version int64       `json:"version"`
	Title   *string     `json:"title"`
	Status  *CaseStatus `json:"status"`
	LeadID  *string     `json:"leadId"`
}

func (h *Handlers) listCases(c *pipeline.Ctx) (interface{}, error) {
	q, err := parseListQuery(c)
	if err != nil {
		return nil, err
	}
	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceCases, permissions.ActionView)
	if err != nil {
		return nil, err
	}

	cases, total, err := h.cases.List(c.Context(), c.Identity.TenantID, filter, q)
	if err != nil {
		return nil, err
	}

	policy, err := h.fieldPolicy(c)
	if err != nil {
		return nil, err
	}
	items := make([]interface{}, 0, len(cases))
	for i := range cases {
		item, err := redactRecord(policy, permissions.ResourceCases, &cases[i])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return Page{Items: items, Total: total}, nil
}

func (h *Handlers) getCase(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceCases, permissions.ActionView)
	if err != nil {
		return nil, err
	}

	kase, err := h.cases.Get(c.Context(), c.Identity.TenantID, id, filter)
	if err != nil {
		return nil, err
	}
	policy, err := h.fieldPolicy(c)
	if err != nil {
		return nil, err
	}
	return redactRecord(policy, permissions.ResourceCases, kase)
}

func (h *Handlers) createCase(c *pipeline.Ctx) (interface{}, error) {
	var req caseCreateRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, apierr.NewValidation("title", "is required", "REQUIRED")
	}
	if req.Status != "" && !ValidCaseStatus(req.Status) {
		return nil, apierr.NewValidation("status", fmt.Sprintf("unknown status %q", req.Status), "INVALID_STATUS")
	}

	// A linked lead must be visible to the caller; outside the filter it
	// reads as missing.
	if req.LeadID != nil {
		viewFilter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
			permissions.ResourceLeads, permissions.ActionView)
		if err != nil {
			return nil, err
		}
		if _, err := h.leads.Get(c.Context(), c.Identity.TenantID, *req.LeadID, viewFilter); err != nil {
			return nil, err
		}
	}

	kase := &Case{
		TenantID:              c.Identity.TenantID,
		Title:                 req.Title,
		Status:                req.Status,
		LeadID:                req.LeadID,
		CreatedByID:           c.Identity.UserID,
		AssignedProcessUserID: req.AssignedProcessUserID,
	}
	if err := h.cases.Create(c.Context(), kase); err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionEntityCreate,
		EntityType: "case",
		EntityID:   kase.ID,
	})
	return kase, nil
}

func (h *Handlers) updateCase(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req caseUpdateRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}

	set := map[string]interface{}{}
	fields := []string{}
	if req.Title != nil {
		set["title"] = *req.Title
		fields = append(fields, "title")
	}
	if req.Status != nil {
		if !ValidCaseStatus(*req.Status) {
			return nil, apierr.NewValidation("status", fmt.Sprintf("unknown status %q", *req.Status), "INVALID_STATUS")
		}
		set["status"] = *req.Status
		fields = append(fields, "status")
	}
	if req.LeadID != nil {
		set["lead_id"] = *req.LeadID
		fields = append(fields, "leadId")
	}
	if len(set) == 0 {
		return nil, apierr.NewValidation("body", "no fields to update", "EMPTY_UPDATE")
	}

	if err := h.checkEditableFields(c, permissions.ResourceCases, fields); err != nil {
		return nil, err
	}

	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceCases, permissions.ActionEdit)
	if err != nil {
		return nil, err
	}
	if _, err := h.cases.Get(c.Context(), c.Identity.TenantID, id, filter); err != nil {
		return nil, err
	}

	kase, err := h.cases.Update(c.Context(), c.Identity.TenantID, id, req.Version, set)
	if err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionEntityUpdate,
		EntityType: "case",
		EntityID:   kase.ID,
		Detail:     map[string]interface{}{"fields": fields},
	})
	return kase, nil
}

func (h *Handlers) deleteCase(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	version, err := deleteVersion(c)
	if err != nil {
		return nil, err
	}

	filter, err := h.resolver.RecordFilter(c.Context(), c.Identity.UserID,
		permissions.ResourceCases, permissions.ActionDelete)
	if err != nil {
		return nil, err
	}
	if _, err := h.cases.Get(c.Context(), c.Identity.TenantID, id, filter); err != nil {
		return nil, err
	}

	if err := h.cases.Delete(c.Context(), c.Identity.TenantID, id, version); err != nil {
		return nil, err
	}

	h.recorder.Record(c.Context(), audit.Entry{
		TenantID:   c.Identity.TenantID,
		ActorID:    c.Identity.UserID,
		Action:     audit.ActionEntityDelete,
		EntityType: "case",
		EntityID:   id,
	})
	return map[string]interface{}{"deleted": true}, nil
}

func (h *Handlers) assignCase(c *pipeline.Ctx) (interface{}, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	var req assignRequest
	if err := httputil.ParseJSON(c.Request, &req); err != nil {
		return nil, err
	}

	kase, err := h.cases.Assign(c.Context(), c.Identity.TenantID, id, req.Version, req.AssigneeID)
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
		EntityType: "case",
		EntityID:   kase.ID,
		Detail:     detail,
	})
	return kase, nil
}
