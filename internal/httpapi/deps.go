package httpapi

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"outreach-engine/internal/breaker"
	"outreach-engine/internal/compliance"
	"outreach-engine/internal/config"
	"outreach-engine/internal/delivery"
	"outreach-engine/internal/domain"
	"outreach-engine/internal/driver"
	"outreach-engine/internal/emailcheck"
	"outreach-engine/internal/events"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/sourcing"
	"outreach-engine/internal/throttle"
)

type LeadStore interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	ListAuditByLead(ctx context.Context, leadID string) ([]domain.AuditLogEntry, error)
	Ping(ctx context.Context) error
	Checkpoint(ctx context.Context) error
}

// LeadEngine is the lifecycle surface. *outreach.Engine implements it.
type LeadEngine interface {
	AttemptContact(ctx context.Context, leadID string, draft outreach.Draft) (outreach.Outcome, error)
	Transition(ctx context.Context, leadID string, to domain.LeadStatus, cause string) (domain.Lead, error)
	Reenrich(ctx context.Context, leadID string, r outreach.Research) (domain.Lead, error)
}

type StopSwitch interface {
	IsActive(ctx context.Context) bool
	Set(ctx context.Context, active bool, actor string) error
}

type Governor interface {
	CheckStatus(ctx context.Context) (throttle.Status, error)
	PauseOutreach(ctx context.Context, minutes int, reason string) (time.Time, error)
}

type EmailValidator interface {
	Validate(ctx context.Context, addr string) emailcheck.Result
}

type ContentChecker interface {
	Check(text string) compliance.Result
	CheckHTML(html string) (compliance.Result, error)
}

type DeliveryIngester interface {
	Ingest(ctx context.Context, ev delivery.Event) (delivery.Result, error)
}

type LeadAdmitter interface {
	Admit(ctx context.Context, source string, cands []sourcing.Candidate) (sourcing.AdmitSummary, error)
}

type DriverRunner interface {
	Status() driver.Status
	RunBatch(ctx context.Context) error
}

// BreakerProbe reports a dependency's circuit state for /health.
type BreakerProbe interface {
	Name() string
	State() breaker.State
}

type Deps struct {
	Store    LeadStore
	Engine   LeadEngine
	Admit    LeadAdmitter
	Stop     StopSwitch
	Governor Governor
	Emails   EmailValidator
	Content  ContentChecker
	Delivery DeliveryIngester
	Driver   DriverRunner
	Breakers []BreakerProbe

	Hub *events.Hub

	CfgVal *atomic.Value // stores config.Config

	// Config persistence
	UserCfgPath string
	LoadCfg     func() (config.Config, error)

	// JWTSecret verifies operator tokens; resolved per request.
	JWTSecret func() (string, error)

	Log *slog.Logger
}

func (d Deps) config() config.Config {
	return d.CfgVal.Load().(config.Config)
}
