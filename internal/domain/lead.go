package domain

import (
	"strings"
	"time"
)

type LeadStatus string

const (
	StatusNew          LeadStatus = "NEW"
	StatusResearching  LeadStatus = "RESEARCHING"
	StatusContacted    LeadStatus = "CONTACTED"
	StatusScheduled    LeadStatus = "SCHEDULED"
	StatusReplied      LeadStatus = "REPLIED"
	StatusInterested   LeadStatus = "INTERESTED"
	StatusNegotiating  LeadStatus = "NEGOTIATING"
	StatusConverted    LeadStatus = "CONVERTED"
	StatusUnqualified  LeadStatus = "UNQUALIFIED"
	StatusDoNotContact LeadStatus = "DO_NOT_CONTACT"
)

var allStatuses = map[LeadStatus]bool{
	StatusNew: true, StatusResearching: true, StatusContacted: true, StatusScheduled: true,
	StatusReplied: true, StatusInterested: true, StatusNegotiating: true, StatusConverted: true,
	StatusUnqualified: true, StatusDoNotContact: true,
}

func (s LeadStatus) Valid() bool { return allStatuses[s] }

// Terminal reports whether the status is absorbing with respect to outreach.
func (s LeadStatus) Terminal() bool {
	return s == StatusConverted || s == StatusDoNotContact
}

// Lead is a prospective customer. Enrichment fields (Score through Timezone)
// are owned by the enrichment collaborator and only read here.
type Lead struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	FirstName       string     `json:"firstName,omitempty"`
	CompanyName     string     `json:"companyName,omitempty"`
	Status          LeadStatus `json:"status"`
	SequenceStep    int        `json:"sequenceStep"`
	OptOut          bool       `json:"optOut"`
	ScheduledSendAt *time.Time `json:"scheduledSendAt,omitempty"`
	LastContactedAt *time.Time `json:"lastContactedAt,omitempty"`
	DataSource      string     `json:"dataSource,omitempty"`
	DataSourceDate  *time.Time `json:"dataSourceDate,omitempty"`

	Score           int    `json:"score"`
	ResearchSummary string `json:"researchSummary,omitempty"`
	DetectedLocale  string `json:"detectedLocale,omitempty"`
	Timezone        string `json:"timezone,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contactable is false once the lead opted out or was marked DO_NOT_CONTACT.
func (l Lead) Contactable() bool {
	return !l.OptOut && l.Status != StatusDoNotContact
}

// Version is the compare-and-set guard for lead updates.
func (l Lead) Version() LeadVersion {
	return LeadVersion{Status: l.Status, SequenceStep: l.SequenceStep}
}

// LeadVersion identifies the state a writer last read.
type LeadVersion struct {
	Status       LeadStatus
	SequenceStep int
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
