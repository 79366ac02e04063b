// Package crm implements the tenant-scoped entity layer: leads and cases,
// their stores, and the HTTP handlers that exercise the authorization core
// end to end. Every query carries the tenant predicate plus the caller's
// record-level filter; every mutation is versioned.
package crm

import (
	"time"
)

// LeadStatus is a lead's position in the funnel.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "NEW"
	LeadStatusContacted LeadStatus = "CONTACTED"
	LeadStatusQualified LeadStatus = "QUALIFIED"
	LeadStatusConverted LeadStatus = "CONVERTED"
	LeadStatusLost      LeadStatus = "LOST"
)

// ValidLeadStatus reports whether s is a known status.
func ValidLeadStatus(s LeadStatus) bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified,
		LeadStatusConverted, LeadStatusLost:
		return true
	}
	return false
}

// Lead is a sales lead.
type Lead struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenantId"`
	ClientName   string                 `json:"clientName"`
	Email        string                 `json:"email,omitempty"`
	MobileNumber string                 `json:"mobileNumber,omitempty"`
	Company      string                 `json:"company,omitempty"`
	Source       string                 `json:"source,omitempty"`
	Status       LeadStatus             `json:"status"`
	Notes        string                 `json:"notes,omitempty"`
	CustomFields map[string]interface{} `json:"customFields,omitempty"`
	CreatedByID  string                 `json:"createdById"`
	AssignedToID *string                `json:"assignedToId,omitempty"`
	Version      int64                  `json:"version"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// CaseStatus is a case's processing state.
type CaseStatus string

const (
	CaseStatusOpen       CaseStatus = "OPEN"
	CaseStatusInProgress CaseStatus = "IN_PROGRESS"
	CaseStatusResolved   CaseStatus = "RESOLVED"
	CaseStatusClosed     CaseStatus = "CLOSED"
)

// ValidCaseStatus reports whether s is a known status.
func ValidCaseStatus(s CaseStatus) bool {
	switch s {
	case CaseStatusOpen, CaseStatusInProgress, CaseStatusResolved, CaseStatusClosed:
		return true
	}
	return false
}

// Case is a processing case, optionally tied to a lead.
type Case struct {
	ID                    string     `json:"id"`
	TenantID              string     `json:"tenantId"`
	Title                 string     `json:"title"`
	Status                CaseStatus `json:"status"`
	LeadID                *string    `json:"leadId,omitempty"`
	CreatedByID           string     `json:"createdById"`
	AssignedProcessUserID *string    `json:"assignedProcessUserId,omitempty"`
	Version               int64      `json:"version"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// ListQuery is the common pagination and filtering shape for list endpoints.
type ListQuery struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// Page wraps a list response with its total count.
type Page struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}
