package httpapi

import (
	"outreach-engine/internal/domain"
	"outreach-engine/internal/sourcing"
)

type createLeadsReq struct {
	Source string                `json:"source" validate:"required,max=64"`
	Leads  []sourcing.Candidate `json:"leads" validate:"required,min=1,max=500,dive"`
}

type transitionReq struct {
	To    domain.LeadStatus `json:"to" validate:"required"`
	Cause string            `json:"cause" validate:"required,max=200"`
}

type leadView struct {
	domain.Lead
	Audit []domain.AuditLogEntry `json:"audit,omitempty"`
}

type emergencyStopReq struct {
	// pointer so a missing field is rejected rather than read as false
	Active *bool `json:"active" validate:"required"`
}

type emergencyStopResp struct {
	Active bool   `json:"active"`
	Actor  string `json:"actor,omitempty"`
}

type pauseReq struct {
	Minutes int    `json:"minutes" validate:"required,min=1,max=1440"`
	Reason  string `json:"reason" validate:"required,max=200"`
}

type validateEmailReq struct {
	Email string `json:"email" validate:"required,max=320"`
}

type complianceReq struct {
	Text string `json:"text" validate:"required"`
	// HTML forces HTML handling; otherwise the content is sniffed.
	HTML bool `json:"html"`
}

type imapPasswordReq struct {
	Password string `json:"password" validate:"required"`
}

type providerKeyReq struct {
	APIKey string `json:"apiKey" validate:"required"`
}
