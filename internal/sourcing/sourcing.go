package sourcing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/emailcheck"
)

// Candidate is a prospective lead as a source reports it.
type Candidate struct {
	Email       string     `yaml:"email" json:"email" validate:"required,email"`
	FirstName   string     `yaml:"first_name" json:"firstName,omitempty"`
	CompanyName string     `yaml:"company_name" json:"companyName,omitempty"`
	Timezone    string     `yaml:"timezone" json:"timezone,omitempty" validate:"omitempty,timezone"`
	SourceDate  *time.Time `yaml:"source_date" json:"sourceDate,omitempty"`
}

// Connector is one lead source.
type Connector interface {
	Name() string
	Fetch(ctx context.Context) ([]Candidate, error)
}

type LeadInserter interface {
	InsertLead(ctx context.Context, l domain.Lead) (domain.Lead, bool, error)
}

type BatchValidator interface {
	ValidateBatch(ctx context.Context, addrs []string, delay time.Duration) (map[string]emailcheck.Result, error)
}

type Rejection struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type AdmitSummary struct {
	Source     string      `json:"source"`
	Received   int         `json:"received"`
	Inserted   []string    `json:"inserted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected"`
}

// Admitter gates candidates through the validity check before they become
// NEW leads.
type Admitter struct {
	leads    LeadInserter
	validate BatchValidator
	delay    time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewAdmitter(leads LeadInserter, v BatchValidator, delay time.Duration, log *slog.Logger) *Admitter {
	if log == nil {
		log = slog.Default()
	}
	return &Admitter{leads: leads, validate: v, delay: delay, now: time.Now, log: log.With("component", "sourcing")}
}

// Admit validates and inserts candidates. Duplicates, within the batch or
// against stored leads, are ignored.
func (a *Admitter) Admit(ctx context.Context, source string, cands []Candidate) (AdmitSummary, error) {
	sum := AdmitSummary{Source: source, Received: len(cands), Inserted: []string{}, Rejected: []Rejection{}}

	seen := map[string]bool{}
	var unique []Candidate
	var addrs []string
	for _, c := range cands {
		c.Email = domain.NormalizeEmail(c.Email)
		if c.Email == "" {
			sum.Rejected = append(sum.Rejected, Rejection{Reason: emailcheck.ReasonFormat})
			continue
		}
		if seen[c.Email] {
			sum.Duplicates++
			continue
		}
		seen[c.Email] = true
		unique = append(unique, c)
		addrs = append(addrs, c.Email)
	}

	results, err := a.validate.ValidateBatch(ctx, addrs, a.delay)
	if err != nil {
		return sum, fmt.Errorf("validate batch: %w", err)
	}

	now := a.now().UTC()
	for _, c := range unique {
		res, ok := results[c.Email]
		if !ok || !res.IsValid {
			reason := res.Reason
			if !ok {
				reason = "not validated"
			}
			sum.Rejected = append(sum.Rejected, Rejection{Email: c.Email, Reason: reason})
			continue
		}
		date := c.SourceDate
		if date == nil {
			date = &now
		}
		lead, created, err := a.leads.InsertLead(ctx, domain.Lead{
			Email:          c.Email,
			FirstName:      strings.TrimSpace(c.FirstName),
			CompanyName:    strings.TrimSpace(c.CompanyName),
			Timezone:       strings.TrimSpace(c.Timezone),
			Status:         domain.StatusNew,
			DataSource:     source,
			DataSourceDate: date,
		})
		if err != nil {
			return sum, fmt.Errorf("insert %s: %w", c.Email, err)
		}
		if !created {
			sum.Duplicates++
			continue
		}
		sum.Inserted = append(sum.Inserted, lead.ID)
	}

	a.log.Info("candidates admitted", "source", source, "received", sum.Received,
		"inserted", len(sum.Inserted), "duplicates", sum.Duplicates, "rejected", len(sum.Rejected))
	return sum, nil
}

// Pull fetches from every connector and admits what each returns. One failing
// source does not stop the others.
func (a *Admitter) Pull(ctx context.Context, conns ...Connector) ([]AdmitSummary, error) {
	var out []AdmitSummary
	var firstErr error
	for _, c := range conns {
		cands, err := c.Fetch(ctx)
		if err != nil {
			a.log.Warn("source fetch failed", "source", c.Name(), "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", c.Name(), err)
			}
			continue
		}
		sum, err := a.Admit(ctx, c.Name(), cands)
		if err != nil {
			return out, err
		}
		out = append(out, sum)
	}
	return out, firstErr
}
