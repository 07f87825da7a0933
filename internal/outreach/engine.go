package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outreach-engine/internal/compliance"
	"outreach-engine/internal/domain"
	"outreach-engine/internal/emailcheck"
	"outreach-engine/internal/events"
	"outreach-engine/internal/metrics"
	"outreach-engine/internal/store"
	"outreach-engine/internal/throttle"
	"outreach-engine/internal/transport"
)

// Store is the persistence the state machine needs. *store.DB implements it.
type Store interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	ApplyTransition(ctx context.Context, next domain.Lead, expect domain.LeadVersion, entry domain.AuditLogEntry) error
	AppendAudit(ctx context.Context, e domain.AuditLogEntry) error
	CountAuditSince(ctx context.Context, actions []domain.AuditAction, since time.Time) (int, error)
}

type StopSwitch interface {
	IsActive(ctx context.Context) bool
}

type Governor interface {
	CheckStatus(ctx context.Context) (throttle.Status, error)
}

type EmailValidator interface {
	Validate(ctx context.Context, addr string) emailcheck.Result
}

type ContentChecker interface {
	Check(text string) compliance.Result
	CheckHTML(html string) (compliance.Result, error)
}

// Draft is content supplied by the drafting collaborator.
type Draft struct {
	Subject string `json:"subject" validate:"required,max=200"`
	Body    string `json:"body" validate:"required"`
	HTML    bool   `json:"html"`
}

type Options struct {
	// GoldenWindow holds sends outside 09:30-11:30 local for provider-side delivery.
	GoldenWindow bool
	// DailyCap bounds sends per UTC day. Zero disables the cap.
	DailyCap int
	// DisclosureFooter is appended to every draft that does not already end with it.
	DisclosureFooter string
	Now              func() time.Time
}

type Deps struct {
	Store    Store
	Stop     StopSwitch
	Governor Governor
	Emails   EmailValidator
	Content  ContentChecker
	Sender   transport.Sender
	Events   events.Publisher
	Log      *slog.Logger
}

type Engine struct {
	d    Deps
	opts Options
	now  func() time.Time
	log  *slog.Logger
}

func New(d Deps, opts Options) *Engine {
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{d: d, opts: opts, now: now, log: d.Log.With("component", "outreach")}
}

var sendActions = []domain.AuditAction{domain.ActionEmailSent, domain.ActionEmailScheduled}

// AttemptContact runs every gate for one lead and, if all pass, hands the
// draft to the transport. On success exactly one send entry is appended and
// the lead updated in the same transaction. A transport failure returns an
// error wrapping transport.ErrTransport and leaves the lead untouched.
func (e *Engine) AttemptContact(ctx context.Context, leadID string, draft Draft) (Outcome, error) {
	lead, err := e.d.Store.GetLead(ctx, leadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: load lead: %w", ErrPersistence, err)
	}

	if out, done, err := e.precheck(ctx, lead); done {
		return out, err
	}
	if out, done, err := e.globalGates(ctx, lead); done {
		return out, err
	}

	valid := e.d.Emails.Validate(ctx, lead.Email)
	metrics.EmailValidations.WithLabelValues(metrics.BoolLabel(valid.IsValid)).Inc()
	if !valid.IsValid {
		return e.disqualify(ctx, lead, valid.Reason)
	}

	// the draft must disclose on its own; the footer is appended after the check
	verdict, err := e.checkContent(draft.Body, draft.HTML)
	if err != nil {
		return Outcome{}, err
	}
	if !verdict.Passed {
		return e.block(ctx, lead, domain.ActionComplianceCheck, ReasonCompliance, verdict.Reasoning,
			domain.Block{Kind: string(ReasonCompliance), Violations: verdict.Violations}, nil)
	}

	return e.deliver(ctx, lead, draft.Subject, e.withFooter(draft.Body), draft.HTML)
}

func (e *Engine) precheck(ctx context.Context, lead domain.Lead) (Outcome, bool, error) {
	switch {
	case !lead.Contactable():
		out, err := e.skip(ctx, lead, ReasonOptedOut, "Lead opted out or is marked DO_NOT_CONTACT")
		return out, true, err
	case lead.Status.Terminal() || lead.Status == domain.StatusUnqualified:
		out, err := e.skip(ctx, lead, ReasonTerminal,
			fmt.Sprintf("Lead is %s; outreach requires re-enrichment or is finished", lead.Status))
		return out, true, err
	case lead.Status == domain.StatusScheduled:
		out, err := e.skip(ctx, lead, ReasonAlreadyQueued, "A send is already queued with the provider")
		return out, true, err
	case !contactable(lead.Status):
		out, err := e.skip(ctx, lead, ReasonInvalidState,
			fmt.Sprintf("Lead status %s does not allow an outbound touch", lead.Status))
		return out, true, err
	}
	return Outcome{}, false, nil
}

// globalGates checks the emergency stop, the throttle governor, and the daily cap.
func (e *Engine) globalGates(ctx context.Context, lead domain.Lead) (Outcome, bool, error) {
	if e.d.Stop.IsActive(ctx) {
		out, err := e.block(ctx, lead, domain.ActionSkipped, ReasonEmergencyStop,
			"Emergency stop is active; all outbound email is paused",
			domain.Block{Kind: string(ReasonEmergencyStop)}, nil)
		return out, true, err
	}

	st, err := e.d.Governor.CheckStatus(ctx)
	if err != nil {
		return Outcome{}, true, fmt.Errorf("%w: throttle status: %w", ErrPersistence, err)
	}
	if st.IsThrottled {
		// the pause window itself is recorded once per batch by the driver
		resumeAt := e.now().UTC().Add(time.Duration(st.DelayMinutes) * time.Minute)
		out, err := e.block(ctx, lead, domain.ActionRateLimitHit, ReasonThrottled, st.Reason,
			domain.Block{Kind: string(ReasonThrottled), Detail: st.Reason, RetryAfter: &resumeAt}, &resumeAt)
		return out, true, err
	}

	if e.opts.DailyCap > 0 {
		now := e.now().UTC()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		n, err := e.d.Store.CountAuditSince(ctx, sendActions, midnight)
		if err != nil {
			return Outcome{}, true, fmt.Errorf("%w: daily count: %w", ErrPersistence, err)
		}
		if n >= e.opts.DailyCap {
			retry := midnight.AddDate(0, 0, 1)
			detail := fmt.Sprintf("Daily send limit reached: %d/%d emails today", n, e.opts.DailyCap)
			out, err := e.block(ctx, lead, domain.ActionRateLimitHit, ReasonRateLimited, detail,
				domain.Block{Kind: string(ReasonRateLimited), Detail: detail, RetryAfter: &retry}, &retry)
			return out, true, err
		}
	}
	return Outcome{}, false, nil
}

func (e *Engine) checkContent(body string, html bool) (compliance.Result, error) {
	if html || compliance.LooksLikeHTML(body) {
		res, err := e.d.Content.CheckHTML(body)
		if err != nil {
			return compliance.Result{}, fmt.Errorf("compliance: %w", err)
		}
		return res, nil
	}
	return e.d.Content.Check(body), nil
}

func (e *Engine) withFooter(body string) string {
	f := e.opts.DisclosureFooter
	if f == "" || strings.HasSuffix(strings.TrimSpace(body), strings.TrimSpace(f)) {
		return body
	}
	return body + f
}

// deliver sends now or, outside the golden window, queues the message with the
// provider for the next slot. Both paths commit one send entry and one lead
// update together.
func (e *Engine) deliver(ctx context.Context, lead domain.Lead, subject, body string, html bool) (Outcome, error) {
	now := e.now().UTC()
	msg := transport.Message{To: lead.Email, Subject: subject, Body: body, HTML: html, LeadID: lead.ID}

	var sendAt *time.Time
	if e.opts.GoldenWindow {
		if at, ok := SendSlot(now, lead.Timezone); !ok {
			at = at.UTC()
			sendAt = &at
			msg.SendAt = sendAt
		}
	}

	rec, err := e.d.Sender.Send(ctx, msg)
	if err != nil {
		e.recordFailure(ctx, lead, err)
		return Outcome{}, fmt.Errorf("send to lead %s: %w", lead.ID, err)
	}

	next := lead
	next.SequenceStep = lead.SequenceStep + 1
	next.UpdatedAt = now
	so := domain.SendOutcome{
		MessageID:    rec.MessageID,
		ThreadID:     rec.ThreadID,
		Subject:      subject,
		SequenceStep: next.SequenceStep,
	}
	entry := domain.AuditLogEntry{LeadID: lead.ID, CreatedAt: now}
	out := Outcome{LeadID: lead.ID, MessageID: rec.MessageID}

	if sendAt != nil {
		next.Status = domain.StatusScheduled
		next.ScheduledSendAt = sendAt
		so.ScheduledFor = sendAt
		entry.Action = domain.ActionEmailScheduled
		entry.Reasoning = fmt.Sprintf("Outside golden window; provider will deliver at %s", sendAt.Format(time.RFC3339))
		out.Kind, out.ScheduledFor = KindScheduled, sendAt
	} else {
		next.Status = domain.StatusContacted
		next.LastContactedAt = &now
		next.ScheduledSendAt = nil
		entry.Action = domain.ActionEmailSent
		entry.Reasoning = fmt.Sprintf("Email sent (sequence step %d)", next.SequenceStep)
		out.Kind = KindSent
	}
	entry.Metadata = so

	if err := e.d.Store.ApplyTransition(ctx, next, lead.Version(), entry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return e.lostRace(ctx, lead, rec.MessageID)
		}
		// the provider accepted the message; reconciliation reports the gap
		e.log.Error("send not recorded", "lead_id", lead.ID, "message_id", rec.MessageID, "err", err)
		return Outcome{}, fmt.Errorf("%w: record send: %w", ErrPersistence, err)
	}

	e.observe(out)
	typ := events.TypeLeadContacted
	if out.Kind == KindScheduled {
		typ = events.TypeLeadScheduled
	}
	e.d.Events.Publish(events.MakeEvent("", typ, 1, out))
	e.log.Info("lead "+string(out.Kind), "lead_id", lead.ID, "message_id", rec.MessageID, "step", next.SequenceStep)
	return out, nil
}

// lostRace handles a concurrent writer winning the compare-and-set. The result
// is discarded and nothing is re-sent.
func (e *Engine) lostRace(ctx context.Context, lead domain.Lead, messageID string) (Outcome, error) {
	detail := fmt.Sprintf("Lead changed concurrently from %s/step %d; result of message %s discarded",
		lead.Status, lead.SequenceStep, messageID)
	out := Outcome{Kind: KindSkipped, Reason: ReasonConflict, Detail: detail, LeadID: lead.ID, MessageID: messageID}
	err := e.d.Store.AppendAudit(ctx, domain.AuditLogEntry{
		LeadID:    lead.ID,
		Action:    domain.ActionSkipped,
		Reasoning: detail,
		Metadata:  domain.Block{Kind: string(ReasonConflict), Detail: messageID},
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.observe(out)
	e.log.Warn("lost compare-and-set", "lead_id", lead.ID, "message_id", messageID)
	return out, nil
}

func (e *Engine) disqualify(ctx context.Context, lead domain.Lead, reason string) (Outcome, error) {
	now := e.now().UTC()
	next := lead
	next.Status = domain.StatusUnqualified
	next.ScheduledSendAt = nil
	next.UpdatedAt = now

	err := e.d.Store.ApplyTransition(ctx, next, lead.Version(), domain.AuditLogEntry{
		LeadID:    lead.ID,
		Action:    domain.ActionStatusChanged,
		Reasoning: "Email validation failed: " + reason,
		Metadata:  domain.Transition{From: lead.Status, To: domain.StatusUnqualified, Cause: reason},
		CreatedAt: now,
	})
	if errors.Is(err, store.ErrConflict) {
		return e.skip(ctx, lead, ReasonConflict, "Lead changed concurrently during validation")
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	out := Outcome{Kind: KindBlocked, Reason: ReasonInvalidEmail, Detail: reason, LeadID: lead.ID}
	e.observe(out)
	e.d.Events.Publish(events.MakeEvent("", events.TypeLeadBlocked, 1, out))
	return out, nil
}

func (e *Engine) block(ctx context.Context, lead domain.Lead, action domain.AuditAction, reason Reason, detail string, meta domain.Block, retry *time.Time) (Outcome, error) {
	out := Outcome{Kind: KindBlocked, Reason: reason, Detail: detail, Violations: meta.Violations, RetryAfter: retry, LeadID: lead.ID}
	if err := e.d.Store.AppendAudit(ctx, domain.AuditLogEntry{
		LeadID:    lead.ID,
		Action:    action,
		Reasoning: detail,
		Metadata:  meta,
		CreatedAt: e.now().UTC(),
	}); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.observe(out)
	e.d.Events.Publish(events.MakeEvent("", events.TypeLeadBlocked, 1, out))
	return out, nil
}

func (e *Engine) skip(ctx context.Context, lead domain.Lead, reason Reason, detail string) (Outcome, error) {
	out := Outcome{Kind: KindSkipped, Reason: reason, Detail: detail, LeadID: lead.ID}
	if err := e.d.Store.AppendAudit(ctx, domain.AuditLogEntry{
		LeadID:    lead.ID,
		Action:    domain.ActionSkipped,
		Reasoning: detail,
		Metadata:  domain.Block{Kind: string(reason)},
		CreatedAt: e.now().UTC(),
	}); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	e.observe(out)
	e.d.Events.Publish(events.MakeEvent("", events.TypeLeadSkipped, 1, out))
	return out, nil
}

func (e *Engine) recordFailure(ctx context.Context, lead domain.Lead, cause error) {
	err := e.d.Store.AppendAudit(ctx, domain.AuditLogEntry{
		LeadID:    lead.ID,
		Action:    domain.ActionSendFailed,
		Reasoning: "Transport send failed: " + cause.Error(),
		Metadata:  domain.Block{Kind: "transport", Detail: cause.Error()},
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		e.log.Error("record send failure", "lead_id", lead.ID, "err", err)
	}
	metrics.ContactAttempts.WithLabelValues("error", "transport").Inc()
}

func (e *Engine) observe(o Outcome) {
	metrics.ContactAttempts.WithLabelValues(string(o.Kind), string(o.Reason)).Inc()
}
