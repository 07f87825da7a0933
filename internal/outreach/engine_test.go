package outreach

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/compliance"
	"outreach-engine/internal/domain"
	"outreach-engine/internal/emailcheck"
	"outreach-engine/internal/store"
	"outreach-engine/internal/throttle"
	"outreach-engine/internal/transport"
)

// 10:00 UTC, inside the golden window for UTC leads.
var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

const okBody = "Hi Ada, I am an AI sales pilot from Northwind. Would a short call next week help?"

type stopFake struct{ active bool }

func (s stopFake) IsActive(context.Context) bool { return s.active }

type govFake struct {
	status throttle.Status
	err    error
	pauses []int
}

func (g *govFake) CheckStatus(context.Context) (throttle.Status, error) { return g.status, g.err }

func (g *govFake) PauseOutreach(_ context.Context, minutes int, _ string) (time.Time, error) {
	g.pauses = append(g.pauses, minutes)
	return testNow.Add(time.Duration(minutes) * time.Minute), nil
}

type validatorFake struct{ res emailcheck.Result }

func (v validatorFake) Validate(context.Context, string) emailcheck.Result { return v.res }

type senderFake struct {
	mu     sync.Mutex
	sent   []transport.Message
	err    error
	before func()
}

func (s *senderFake) Send(_ context.Context, m transport.Message) (transport.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.before != nil {
		s.before()
	}
	if s.err != nil {
		return transport.Receipt{}, s.err
	}
	s.sent = append(s.sent, m)
	id := fmt.Sprintf("msg-%d", len(s.sent))
	return transport.Receipt{MessageID: id, ThreadID: id}, nil
}

type harness struct {
	db     *store.DB
	gov    *govFake
	sender *senderFake
	stop   *stopFake
	valid  *validatorFake
	engine *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:     db,
		gov:    &govFake{},
		sender: &senderFake{},
		stop:   &stopFake{},
		valid:  &validatorFake{res: emailcheck.Result{IsValid: true, Reason: "ok"}},
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	h.engine = New(Deps{
		Store:    db,
		Stop:     h.stop,
		Governor: h.gov,
		Emails:   h.valid,
		Content:  compliance.MustDefault(),
		Sender:   h.sender,
	}, opts)
	return h
}

func (h *harness) lead(t *testing.T, l domain.Lead) domain.Lead {
	t.Helper()
	if l.Email == "" {
		l.Email = "ada@acme.io"
	}
	if l.Status == "" {
		l.Status = domain.StatusResearching
	}
	out, created, err := h.db.InsertLead(context.Background(), l)
	require.NoError(t, err)
	require.True(t, created)
	return out
}

func (h *harness) audit(t *testing.T, leadID string) []domain.AuditLogEntry {
	t.Helper()
	entries, err := h.db.ListAuditByLead(context.Background(), leadID)
	require.NoError(t, err)
	return entries
}

func actions(entries []domain.AuditLogEntry) []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestAttemptContactSendsAndRecords(t *testing.T) {
	h := newHarness(t, Options{GoldenWindow: true})
	ctx := context.Background()
	lead := h.lead(t, domain.Lead{Timezone: "UTC"})

	out, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hello", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindSent, out.Kind)
	assert.Equal(t, "msg-1", out.MessageID)
	require.Len(t, h.sender.sent, 1)
	assert.Nil(t, h.sender.sent[0].SendAt)
	assert.Equal(t, "ada@acme.io", h.sender.sent[0].To)

	got, err := h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusContacted, got.Status)
	assert.Equal(t, 1, got.SequenceStep)
	require.NotNil(t, got.LastContactedAt)
	assert.True(t, got.LastContactedAt.Equal(testNow))

	entries := h.audit(t, lead.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionEmailSent, entries[0].Action)
	assert.Equal(t, "msg-1", entries[0].MessageID())

	// follow-up touch
	out, err = h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Re: Hello", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindSent, out.Kind)
	got, err = h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SequenceStep)
}

func TestAttemptContactSchedulesOutsideWindow(t *testing.T) {
	h := newHarness(t, Options{GoldenWindow: true})
	ctx := context.Background()
	lead := h.lead(t, domain.Lead{})

	out, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hello", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindScheduled, out.Kind)

	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	require.NotNil(t, out.ScheduledFor)
	assert.True(t, out.ScheduledFor.Equal(want))
	require.Len(t, h.sender.sent, 1)
	require.NotNil(t, h.sender.sent[0].SendAt)
	assert.True(t, h.sender.sent[0].SendAt.Equal(want))

	got, err := h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.Equal(t, 1, got.SequenceStep)
	assert.Nil(t, got.LastContactedAt)
	assert.Equal(t, []domain.AuditAction{domain.ActionEmailScheduled}, actions(h.audit(t, lead.ID)))

	// never queued twice
	out, err = h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hello", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, ReasonAlreadyQueued, out.Reason)
	assert.Len(t, h.sender.sent, 1)
}

func TestAttemptContactSkipsWithoutSending(t *testing.T) {
	cases := []struct {
		name   string
		lead   domain.Lead
		reason Reason
	}{
		{"opted out", domain.Lead{OptOut: true}, ReasonOptedOut},
		{"do not contact", domain.Lead{Status: domain.StatusDoNotContact}, ReasonOptedOut},
		{"converted", domain.Lead{Status: domain.StatusConverted}, ReasonTerminal},
		{"unqualified", domain.Lead{Status: domain.StatusUnqualified}, ReasonTerminal},
		{"new", domain.Lead{Status: domain.StatusNew}, ReasonInvalidState},
		{"replied", domain.Lead{Status: domain.StatusReplied}, ReasonInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			lead := h.lead(t, tc.lead)

			out, err := h.engine.AttemptContact(context.Background(), lead.ID, Draft{Subject: "Hi", Body: okBody})
			require.NoError(t, err)
			assert.Equal(t, KindSkipped, out.Kind)
			assert.Equal(t, tc.reason, out.Reason)
			assert.False(t, out.Retryable())
			assert.Empty(t, h.sender.sent)

			entries := h.audit(t, lead.ID)
			require.Len(t, entries, 1)
			assert.Equal(t, domain.ActionSkipped, entries[0].Action)
			assert.NotEmpty(t, entries[0].Reasoning)
		})
	}
}

func TestAttemptContactEmergencyStop(t *testing.T) {
	h := newHarness(t, Options{})
	h.stop.active = true
	lead := h.lead(t, domain.Lead{})

	out, err := h.engine.AttemptContact(context.Background(), lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonEmergencyStop, out.Reason)
	assert.True(t, out.Backpressure())
	assert.Empty(t, h.sender.sent)
	assert.Equal(t, []domain.AuditAction{domain.ActionSkipped}, actions(h.audit(t, lead.ID)))
}

func TestAttemptContactThrottled(t *testing.T) {
	h := newHarness(t, Options{})
	h.gov.status = throttle.Status{IsThrottled: true, DelayMinutes: 120, Reason: "High throttling detected"}
	lead := h.lead(t, domain.Lead{})

	out, err := h.engine.AttemptContact(context.Background(), lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonThrottled, out.Reason)
	require.NotNil(t, out.RetryAfter)
	assert.True(t, out.RetryAfter.Equal(testNow.Add(2*time.Hour)))
	assert.Empty(t, h.gov.pauses)
	assert.Empty(t, h.sender.sent)
	assert.Equal(t, []domain.AuditAction{domain.ActionRateLimitHit}, actions(h.audit(t, lead.ID)))
}

func TestAttemptContactGovernorErrorIsPersistence(t *testing.T) {
	h := newHarness(t, Options{})
	h.gov.err = errors.New("disk gone")
	lead := h.lead(t, domain.Lead{})

	_, err := h.engine.AttemptContact(context.Background(), lead.ID, Draft{Subject: "Hi", Body: okBody})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, h.sender.sent)
	assert.Empty(t, h.audit(t, lead.ID))
}

func TestAttemptContactDailyCap(t *testing.T) {
	h := newHarness(t, Options{DailyCap: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l := h.lead(t, domain.Lead{Email: fmt.Sprintf("p%d@acme.io", i)})
		out, err := h.engine.AttemptContact(ctx, l.ID, Draft{Subject: "Hi", Body: okBody})
		require.NoError(t, err)
		require.Equal(t, KindSent, out.Kind)
	}

	l := h.lead(t, domain.Lead{Email: "third@acme.io"})
	out, err := h.engine.AttemptContact(ctx, l.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonRateLimited, out.Reason)
	require.NotNil(t, out.RetryAfter)
	assert.True(t, out.RetryAfter.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, out.Detail, "2/2")
	assert.Len(t, h.sender.sent, 2)
}

func TestAttemptContactInvalidEmailDisqualifies(t *testing.T) {
	h := newHarness(t, Options{})
	h.valid.res = emailcheck.Result{IsValid: false, Reason: emailcheck.ReasonNoMX}
	ctx := context.Background()
	lead := h.lead(t, domain.Lead{})

	out, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonInvalidEmail, out.Reason)
	assert.False(t, out.Retryable())
	assert.Empty(t, h.sender.sent)

	got, err := h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnqualified, got.Status)

	entries := h.audit(t, lead.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionStatusChanged, entries[0].Action)
	tr, ok := entries[0].Metadata.(domain.Transition)
	require.True(t, ok)
	assert.Equal(t, domain.StatusUnqualified, tr.To)
}

func TestUnqualifiedIsNeverAutoPromoted(t *testing.T) {
	h := newHarness(t, Options{})
	h.valid.res = emailcheck.Result{IsValid: false, Reason: emailcheck.ReasonNoMX}
	ctx := context.Background()
	lead := h.lead(t, domain.Lead{})

	_, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)

	// the address becomes deliverable again, but nothing re-opens the lead
	h.valid.res = emailcheck.Result{IsValid: true}
	for i := 0; i < 3; i++ {
		out, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hi", Body: okBody})
		require.NoError(t, err)
		assert.Equal(t, KindSkipped, out.Kind)
	}
	_, err = h.engine.Transition(ctx, lead.ID, domain.StatusResearching, "operator")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Empty(t, h.sender.sent)

	got, err := h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnqualified, got.Status)

	got, err = h.engine.Reenrich(ctx, lead.ID, Research{Summary: "new role at acme", Timezone: "UTC", Score: 70})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResearching, got.Status)
	assert.Equal(t, "new role at acme", got.ResearchSummary)
}

func TestAttemptContactComplianceBlock(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	lead := h.lead(t, domain.Lead{})

	out, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hi", Body: "Act now for a guaranteed return!"})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonCompliance, out.Reason)
	assert.Len(t, out.Violations, 3)
	assert.Empty(t, h.sender.sent)

	got, err := h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.Status, got.Status)
	assert.Equal(t, []domain.AuditAction{domain.ActionComplianceCheck}, actions(h.audit(t, lead.ID)))
}

func TestAttemptContactAppendsDisclosureFooter(t *testing.T) {
	footer := "\n\n-- I am an AI Sales Pilot. Reply STOP to pause."
	h := newHarness(t, Options{DisclosureFooter: footer})
	lead := h.lead(t, domain.Lead{})

	out, err := h.engine.AttemptContact(context.Background(), lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindSent, out.Kind)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, okBody+footer, h.sender.sent[0].Body)
}

func TestAttemptContactFooterDoesNotSatisfyDisclosure(t *testing.T) {
	footer := "\n\n-- I am an AI Sales Pilot. Reply STOP to pause."
	h := newHarness(t, Options{DisclosureFooter: footer})
	lead := h.lead(t, domain.Lead{})

	out, err := h.engine.AttemptContact(context.Background(), lead.ID, Draft{Subject: "Hi", Body: "Hi Ada, quick question about your rollout."})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonCompliance, out.Reason)
	assert.Empty(t, h.sender.sent)

	got, err := h.db.GetLead(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.Status, got.Status)
}

func TestAttemptContactHTMLDraft(t *testing.T) {
	h := newHarness(t, Options{})
	lead := h.lead(t, domain.Lead{})

	html := `<html><head><title>AI pilot</title></head><body><p>Hello there</p></body></html>`
	out, err := h.engine.AttemptContact(context.Background(), lead.ID, Draft{Subject: "Hi", Body: html, HTML: true})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonCompliance, out.Reason)
}

func TestAttemptContactTransportFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.sender.err = fmt.Errorf("%w: provider returned 503", transport.ErrTransport)
	ctx := context.Background()
	lead := h.lead(t, domain.Lead{})

	_, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrTransport)

	got, err := h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResearching, got.Status)
	assert.Equal(t, 0, got.SequenceStep)
	assert.Equal(t, []domain.AuditAction{domain.ActionSendFailed}, actions(h.audit(t, lead.ID)))
}

func TestAttemptContactLosesCompareAndSet(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	lead := h.lead(t, domain.Lead{})

	// another writer contacts the lead while our send is in flight
	h.sender.before = func() {
		next := lead
		next.Status = domain.StatusContacted
		next.SequenceStep = 1
		require.NoError(t, h.db.ApplyTransition(ctx, next, lead.Version(), domain.AuditLogEntry{
			LeadID:    lead.ID,
			Action:    domain.ActionEmailSent,
			Reasoning: "other writer",
			Metadata:  domain.SendOutcome{MessageID: "other", SequenceStep: 1},
			CreatedAt: testNow.Add(-time.Second),
		}))
		h.sender.before = nil
	}

	out, err := h.engine.AttemptContact(ctx, lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, ReasonConflict, out.Reason)
	assert.Equal(t, "msg-1", out.MessageID)
	assert.Len(t, h.sender.sent, 1)

	got, err := h.db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SequenceStep)
	assert.Equal(t,
		[]domain.AuditAction{domain.ActionEmailSent, domain.ActionSkipped},
		actions(h.audit(t, lead.ID)))
}

func TestAttemptContactUnknownLead(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.AttemptContact(context.Background(), "nope", Draft{Subject: "Hi", Body: okBody})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// End to end with the real governor reading the same audit log.
func TestAttemptContactWithRealGovernor(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	now := func() time.Time { return testNow }

	for i := 0; i < 10; i++ {
		status := domain.DeliveryDelivered
		if i < 3 {
			status = domain.DeliveryDelayed
		}
		require.NoError(t, db.AppendAudit(ctx, domain.AuditLogEntry{
			Action:    domain.ActionEmailSent,
			Reasoning: "seed",
			Metadata:  domain.SendOutcome{MessageID: fmt.Sprintf("seed-%d", i), DeliveryStatus: status},
			CreatedAt: testNow.Add(-time.Hour),
		}))
	}

	sender := &senderFake{}
	e := New(Deps{
		Store:    db,
		Stop:     stopFake{},
		Governor: throttle.New(db, throttle.Options{Now: now}, nil),
		Emails:   validatorFake{res: emailcheck.Result{IsValid: true}},
		Content:  compliance.MustDefault(),
		Sender:   sender,
	}, Options{Now: now})

	lead, _, err := db.InsertLead(ctx, domain.Lead{Email: "ada@acme.io", Status: domain.StatusResearching})
	require.NoError(t, err)

	out, err := e.AttemptContact(ctx, lead.ID, Draft{Subject: "Hi", Body: okBody})
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, ReasonThrottled, out.Reason)
	require.NotNil(t, out.RetryAfter)
	assert.True(t, out.RetryAfter.Equal(testNow.Add(240*time.Minute)))
	assert.Empty(t, sender.sent)

	paused, err := db.ListAuditSince(ctx, []domain.AuditAction{domain.ActionStatusChanged}, testNow.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, paused, 1)
	_, ok := paused[0].Metadata.(domain.PauseWindow)
	assert.True(t, ok)
}
