package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach-engine/internal/breaker"
	"outreach-engine/internal/domain"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/transport"
)

// Leads is the store surface the driver reads. *store.DB implements it.
type Leads interface {
	ListLeadsByStatus(ctx context.Context, statuses []domain.LeadStatus, limit int) ([]domain.Lead, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Lead, error)
	ListUnmatchedContacts(ctx context.Context, limit int) ([]domain.Lead, error)
}

// Contacter is the state machine. *outreach.Engine implements it.
type Contacter interface {
	AttemptContact(ctx context.Context, leadID string, d outreach.Draft) (outreach.Outcome, error)
	CompleteScheduled(ctx context.Context, leadID string) (bool, error)
}

// Drafter produces the content for a lead's next touch.
type Drafter interface {
	Draft(ctx context.Context, lead domain.Lead) (outreach.Draft, error)
}

// Governor gates batches and records the pause window. *throttle.Governor implements it.
type Governor interface {
	outreach.Governor
	PauseOutreach(ctx context.Context, minutes int, reason string) (time.Time, error)
}

type Deps struct {
	Leads    Leads
	Engine   Contacter
	Drafter  Drafter
	Stop     outreach.StopSwitch
	Governor Governor
	Log      *slog.Logger
}

type Options struct {
	BatchSize   int
	Concurrency int
	// FollowUpAfter spaces touches to an already contacted lead.
	FollowUpAfter time.Duration
	// MaxSteps ends the sequence; leads at this step are left alone.
	MaxSteps int
	Now      func() time.Time
}

func DefaultOptions() Options {
	return Options{BatchSize: 25, Concurrency: 4, FollowUpAfter: 72 * time.Hour, MaxSteps: 3}
}

type Driver struct {
	d    Deps
	opts Options
	now  func() time.Time
	log  *slog.Logger
}

func New(d Deps, opts Options) *Driver {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.FollowUpAfter <= 0 {
		opts.FollowUpAfter = def.FollowUpAfter
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = def.MaxSteps
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Driver{d: d, opts: opts, now: now, log: d.Log.With("component", "driver")}
}

// Summary describes one batch.
type Summary struct {
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Considered int            `json:"considered"`
	Sent       int            `json:"sent"`
	Scheduled  int            `json:"scheduled"`
	Blocked    int            `json:"blocked"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
	Deferred   string         `json:"deferred,omitempty"`
	RetryAfter *time.Time     `json:"retryAfter,omitempty"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

func (s *Summary) add(o outreach.Outcome) {
	switch o.Kind {
	case outreach.KindSent:
		s.Sent++
	case outreach.KindScheduled:
		s.Scheduled++
	case outreach.KindBlocked:
		s.Blocked++
	case outreach.KindSkipped:
		s.Skipped++
	}
	if o.Reason != "" {
		if s.Reasons == nil {
			s.Reasons = map[string]int{}
		}
		s.Reasons[string(o.Reason)]++
	}
}

// RunOnce checks the global gates once, then attempts every eligible lead
// with bounded concurrency. Backpressure from any attempt halts the rest of
// the batch; those leads are picked up by a later run.
func (d *Driver) RunOnce(ctx context.Context) (Summary, error) {
	sum := Summary{StartedAt: d.now().UTC()}
	finish := func() Summary {
		sum.FinishedAt = d.now().UTC()
		return sum
	}

	if d.d.Stop.IsActive(ctx) {
		sum.Deferred = string(outreach.ReasonEmergencyStop)
		d.log.Warn("batch deferred", "reason", sum.Deferred)
		return finish(), nil
	}
	st, err := d.d.Governor.CheckStatus(ctx)
	if err != nil {
		return finish(), fmt.Errorf("throttle status: %w", err)
	}
	if st.IsThrottled {
		resumeAt, err := d.d.Governor.PauseOutreach(ctx, st.DelayMinutes, st.Reason)
		if err != nil {
			return finish(), err
		}
		sum.Deferred = string(outreach.ReasonThrottled)
		sum.RetryAfter = &resumeAt
		d.log.Warn("batch deferred", "reason", st.Reason, "resume_at", resumeAt.Format(time.RFC3339))
		return finish(), nil
	}

	leads, err := d.d.Leads.ListLeadsByStatus(ctx,
		[]domain.LeadStatus{domain.StatusResearching, domain.StatusContacted}, d.opts.BatchSize)
	if err != nil {
		return finish(), fmt.Errorf("list leads: %w", err)
	}
	leads = d.eligible(leads)
	sum.Considered = len(leads)

	var (
		mu     sync.Mutex
		halted atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	for _, lead := range leads {
		if halted.Load() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if halted.Load() {
				return nil
			}
			draft, err := d.d.Drafter.Draft(gctx, lead)
			if err != nil {
				d.log.Warn("draft failed", "lead_id", lead.ID, "err", err)
				mu.Lock()
				sum.Failed++
				mu.Unlock()
				return nil
			}

			out, err := d.d.Engine.AttemptContact(gctx, lead.ID, draft)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sum.add(out)
				if out.Backpressure() && halted.CompareAndSwap(false, true) {
					sum.Deferred = string(out.Reason)
					sum.RetryAfter = out.RetryAfter
				}
				return nil
			case errors.Is(err, transport.ErrTransport), errors.Is(err, breaker.ErrOpen):
				sum.Failed++
				d.log.Warn("send failed", "lead_id", lead.ID, "err", err)
				if errors.Is(err, breaker.ErrOpen) && halted.CompareAndSwap(false, true) {
					sum.Deferred = "transport_unavailable"
				}
				return nil
			default:
				sum.Failed++
				return fmt.Errorf("lead %s: %w", lead.ID, err)
			}
		})
	}

	err = g.Wait()
	out := finish()
	d.log.Info("batch finished", "considered", out.Considered, "sent", out.Sent, "scheduled", out.Scheduled,
		"blocked", out.Blocked, "skipped", out.Skipped, "failed", out.Failed, "deferred", out.Deferred)
	return out, err
}

// eligible drops contacted leads that are not yet due a follow-up or have
// finished their sequence.
func (d *Driver) eligible(leads []domain.Lead) []domain.Lead {
	now := d.now()
	out := leads[:0]
	for _, l := range leads {
		if l.Status == domain.StatusContacted {
			if l.SequenceStep >= d.opts.MaxSteps {
				continue
			}
			if l.LastContactedAt != nil && now.Sub(*l.LastContactedAt) < d.opts.FollowUpAfter {
				continue
			}
		}
		out = append(out, l)
	}
	return out
}

type ReconcileReport struct {
	Completed []string `json:"completed"`
	// Unmatched are leads whose LastContactedAt has no send entry behind it,
	// usually from a crash between provider accept and commit.
	Unmatched []string `json:"unmatched"`
}

// Reconcile completes elapsed provider-scheduled sends and reports contacts
// the audit log cannot account for.
func (d *Driver) Reconcile(ctx context.Context) (ReconcileReport, error) {
	rep := ReconcileReport{Completed: []string{}, Unmatched: []string{}}

	due, err := d.d.Leads.ListDueScheduled(ctx, d.now(), d.opts.BatchSize*4)
	if err != nil {
		return rep, fmt.Errorf("list due scheduled: %w", err)
	}
	for _, l := range due {
		ok, err := d.d.Engine.CompleteScheduled(ctx, l.ID)
		if err != nil {
			d.log.Warn("complete scheduled", "lead_id", l.ID, "err", err)
			continue
		}
		if ok {
			rep.Completed = append(rep.Completed, l.ID)
		}
	}

	unmatched, err := d.d.Leads.ListUnmatchedContacts(ctx, 100)
	if err != nil {
		return rep, fmt.Errorf("list unmatched contacts: %w", err)
	}
	for _, l := range unmatched {
		rep.Unmatched = append(rep.Unmatched, l.ID)
		d.log.Warn("contact without send entry", "lead_id", l.ID, "status", string(l.Status))
	}
	return rep, nil
}
