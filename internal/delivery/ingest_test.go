package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/store"
)

type replyCall struct {
	leadID string
	reply  outreach.Reply
}

type replyRecorder struct {
	calls        []replyCall
	disqualified []string
}

func (r *replyRecorder) Disqualify(_ context.Context, leadID, _ string) (domain.Lead, error) {
	r.disqualified = append(r.disqualified, leadID)
	return domain.Lead{ID: leadID, Status: domain.StatusUnqualified}, nil
}

func (r *replyRecorder) HandleReply(_ context.Context, leadID string, rep outreach.Reply) (outreach.ReplyClass, domain.Lead, error) {
	r.calls = append(r.calls, replyCall{leadID, rep})
	if leadID == "gone" {
		return "", domain.Lead{}, store.ErrNotFound
	}
	return outreach.ClassifyReply(rep.Body), domain.Lead{ID: leadID}, nil
}

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "delivery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedSend inserts a lead and a send entry carrying messageID.
func seedSend(t *testing.T, db *store.DB, email, messageID string) domain.Lead {
	t.Helper()
	ctx := context.Background()
	lead, _, err := db.InsertLead(ctx, domain.Lead{Email: email, Status: domain.StatusContacted, SequenceStep: 1})
	require.NoError(t, err)
	require.NoError(t, db.AppendAudit(ctx, domain.AuditLogEntry{
		LeadID:    lead.ID,
		Action:    domain.ActionEmailSent,
		Reasoning: "sent",
		Metadata:  domain.SendOutcome{MessageID: messageID, SequenceStep: 1},
		CreatedAt: time.Now().UTC(),
	}))
	return lead
}

func TestIngestFlatStatus(t *testing.T) {
	db := openStore(t)
	seedSend(t, db, "ada@acme.io", "m-1")
	ing := NewIngester(db, &replyRecorder{}, nil, nil)
	ctx := context.Background()

	res, err := ing.Ingest(ctx, Event{MessageID: "m-1", Status: "delivery_delayed"})
	require.NoError(t, err)
	assert.Equal(t, ResultStatus, res.Kind)
	assert.True(t, res.Matched)

	e, err := db.FindSendByMessageID(ctx, "m-1")
	require.NoError(t, err)
	so := e.Metadata.(domain.SendOutcome)
	assert.Equal(t, domain.DeliveryDelayed, so.DeliveryStatus)
}

func TestIngestTypedStatus(t *testing.T) {
	db := openStore(t)
	seedSend(t, db, "ada@acme.io", "re_123")
	ing := NewIngester(db, &replyRecorder{}, nil, nil)

	res, err := ing.Ingest(context.Background(), Event{Type: "email.bounced", Data: EventData{EmailID: "re_123"}})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, domain.DeliveryBounced, res.Status)

	res, err = ing.Ingest(context.Background(), Event{Type: "email.opened", Data: EventData{EmailID: "re_123"}})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Kind)
}

func TestIngestBounceDisqualifiesLead(t *testing.T) {
	db := openStore(t)
	lead := seedSend(t, db, "ada@acme.io", "m-1")
	engine := outreach.New(outreach.Deps{Store: db}, outreach.Options{})
	ing := NewIngester(db, engine, nil, nil)
	ctx := context.Background()

	res, err := ing.Ingest(ctx, Event{MessageID: "m-1", Status: "bounced"})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, lead.ID, res.LeadID)

	got, err := db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnqualified, got.Status)

	entries, err := db.ListAuditByLead(ctx, lead.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, domain.ActionStatusChanged, last.Action)
	assert.Equal(t, domain.Transition{From: domain.StatusContacted, To: domain.StatusUnqualified, Cause: "bounce"}, last.Metadata)

	// a repeated callback changes nothing further
	_, err = ing.Ingest(ctx, Event{MessageID: "m-1", Status: "bounced"})
	require.NoError(t, err)
	again, err := db.ListAuditByLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Len(t, again, len(entries))
}

func TestIngestNonBounceLeavesLeadAlone(t *testing.T) {
	db := openStore(t)
	seedSend(t, db, "ada@acme.io", "m-1")
	rec := &replyRecorder{}
	ing := NewIngester(db, rec, nil, nil)

	for _, st := range []string{"delivered", "delivery_delayed"} {
		_, err := ing.Ingest(context.Background(), Event{MessageID: "m-1", Status: st})
		require.NoError(t, err)
	}
	assert.Empty(t, rec.disqualified)
}

func TestIngestUnknownMessageIsNotAnError(t *testing.T) {
	ing := NewIngester(openStore(t), &replyRecorder{}, nil, nil)

	res, err := ing.Ingest(context.Background(), Event{MessageID: "nobody", Status: "delivered"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestIngestRejectsBadInput(t *testing.T) {
	ing := NewIngester(openStore(t), &replyRecorder{}, nil, nil)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, Event{MessageID: "m-1", Status: "opened"})
	assert.ErrorIs(t, err, ErrUnknownStatus)

	_, err = ing.Ingest(ctx, Event{Status: "delivered"})
	assert.ErrorIs(t, err, ErrBadEvent)
}

func TestIngestReceivedResolvesLead(t *testing.T) {
	db := openStore(t)
	lead := seedSend(t, db, "ada@acme.io", "abc123")
	other := seedSend(t, db, "bob@acme.io", "def456")

	cases := []struct {
		name string
		data EventData
		want string
	}{
		{"explicit header", EventData{From: "x@y.io", Text: "stop", Headers: map[string]string{"X-Lead-Id": "lead-9"}}, "lead-9"},
		{"thread reference", EventData{From: "x@y.io", Text: "demo?", Headers: map[string]string{"In-Reply-To": "<abc123@mail.provider.io>"}}, lead.ID},
		{"sender address", EventData{From: "Bob <BOB@acme.io>", Text: "call me"}, other.ID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &replyRecorder{}
			ing := NewIngester(db, rec, nil, nil)

			res, err := ing.Ingest(context.Background(), Event{Type: "email.received", Data: tc.data})
			require.NoError(t, err)
			assert.Equal(t, ResultReply, res.Kind)
			require.Len(t, rec.calls, 1)
			assert.Equal(t, tc.want, rec.calls[0].leadID)
		})
	}
}

func TestIngestReceivedWithoutLead(t *testing.T) {
	rec := &replyRecorder{}
	ing := NewIngester(openStore(t), rec, nil, nil)

	res, err := ing.Ingest(context.Background(), Event{Type: "email.received", Data: EventData{From: "who@nowhere.io", Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Kind)
	assert.Empty(t, rec.calls)

	res, err = ing.Ingest(context.Background(), Event{Type: "email.received", Data: EventData{
		Text:    "stop",
		Headers: map[string]string{"x-lead-id": "gone"},
	}})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Kind)
}
