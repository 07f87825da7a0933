package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/metrics"
)

// AuditLog is the slice of the store the governor reads and writes.
type AuditLog interface {
	ListAuditSince(ctx context.Context, actions []domain.AuditAction, since time.Time) ([]domain.AuditLogEntry, error)
	AppendAudit(ctx context.Context, e domain.AuditLogEntry) error
}

// Tier throttles when the delayed share is strictly greater than ThresholdPct.
type Tier struct {
	ThresholdPct float64 `yaml:"threshold_pct" json:"thresholdPct"`
	PauseMinutes int     `yaml:"pause_minutes" json:"pauseMinutes"`
	Label        string  `yaml:"label" json:"label"`
}

func DefaultTiers() []Tier {
	return []Tier{
		{ThresholdPct: 20, PauseMinutes: 240, Label: "Critical throttling detected"},
		{ThresholdPct: 10, PauseMinutes: 120, Label: "High throttling detected"},
		{ThresholdPct: 5, PauseMinutes: 60, Label: "Throttling detected"},
	}
}

type Stats struct {
	Total       int     `json:"total"`
	Delayed     int     `json:"delayed"`
	Bounced     int     `json:"bounced"`
	Delivered   int     `json:"delivered"`
	Unknown     int     `json:"unknown"`
	DelayedRate float64 `json:"delayedRate"`
}

type Status struct {
	IsThrottled  bool   `json:"isThrottled"`
	DelayMinutes int    `json:"delayMinutes"`
	Reason       string `json:"reason"`
	RecentStats  Stats  `json:"recentStats"`
}

type Governor struct {
	audit  AuditLog
	tiers  []Tier
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

type Options struct {
	Tiers  []Tier
	Window time.Duration
	Now    func() time.Time
}

func New(audit AuditLog, opts Options, log *slog.Logger) *Governor {
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	tiers = append([]Tier(nil), tiers...)
	// highest threshold first, first match wins
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].ThresholdPct > tiers[j].ThresholdPct })

	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Governor{
		audit:  audit,
		tiers:  tiers,
		window: opts.Window,
		now:    opts.Now,
		log:    log.With("component", "throttle"),
	}
}

var sendActions = []domain.AuditAction{domain.ActionEmailSent, domain.ActionEmailScheduled}

// CheckStatus recomputes the decision from the rolling window on every call.
func (g *Governor) CheckStatus(ctx context.Context) (Status, error) {
	since := g.now().Add(-g.window)
	entries, err := g.audit.ListAuditSince(ctx, sendActions, since)
	if err != nil {
		return Status{}, fmt.Errorf("read send window: %w", err)
	}

	st := Classify(entries)
	metrics.ThrottleDelayedRate.Set(st.DelayedRate)

	out := Status{RecentStats: st}
	if st.Total == 0 {
		return out, nil
	}
	for _, t := range g.tiers {
		// integer comparison keeps the boundary exact (5/100 is not > 5%)
		if float64(st.Delayed)*100 > t.ThresholdPct*float64(st.Total) {
			out.IsThrottled = true
			out.DelayMinutes = t.PauseMinutes
			out.Reason = fmt.Sprintf("%s: %.1f%% delivery_delayed rate (threshold: %g%%)",
				t.Label, st.DelayedRate*100, t.ThresholdPct)
			break
		}
	}
	return out, nil
}

// Classify tallies send entries by their merged delivery status.
func Classify(entries []domain.AuditLogEntry) Stats {
	var st Stats
	for _, e := range entries {
		st.Total++
		status := domain.DeliveryUnknown
		if so, ok := e.Metadata.(domain.SendOutcome); ok && so.DeliveryStatus != "" {
			status = so.DeliveryStatus
		}
		switch status {
		case domain.DeliveryDelayed:
			st.Delayed++
		case domain.DeliveryBounced:
			st.Bounced++
		case domain.DeliveryDelivered:
			st.Delivered++
		default:
			st.Unknown++
		}
	}
	if st.Total > 0 {
		st.DelayedRate = float64(st.Delayed) / float64(st.Total)
	}
	return st
}

// PauseOutreach records the pause window and returns when outreach may resume.
// Nothing else is persisted; the next CheckStatus decides afresh.
func (g *Governor) PauseOutreach(ctx context.Context, minutes int, reason string) (time.Time, error) {
	now := g.now().UTC()
	resumeAt := now.Add(time.Duration(minutes) * time.Minute)

	err := g.audit.AppendAudit(ctx, domain.AuditLogEntry{
		Action:    domain.ActionStatusChanged,
		Reasoning: fmt.Sprintf("Throttle Governor: Pausing outreach for %d minutes", minutes),
		Metadata: domain.PauseWindow{
			Reason:   reason,
			Minutes:  minutes,
			PausedAt: now,
			ResumeAt: resumeAt,
		},
		CreatedAt: now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("record pause: %w", err)
	}

	metrics.ThrottlePauses.Inc()
	g.log.Warn("outreach paused", "minutes", minutes, "reason", reason, "resume_at", resumeAt.Format(time.RFC3339))
	return resumeAt, nil
}
