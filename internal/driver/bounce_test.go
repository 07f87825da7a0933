package driver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/compliance"
	"outreach-engine/internal/delivery"
	"outreach-engine/internal/domain"
	"outreach-engine/internal/emailcheck"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/store"
	"outreach-engine/internal/transport"
)

type acceptAll struct{}

func (acceptAll) Validate(context.Context, string) emailcheck.Result {
	return emailcheck.Result{IsValid: true}
}

type sendRecorder struct {
	mu sync.Mutex
	to []string
}

func (s *sendRecorder) Send(_ context.Context, m transport.Message) (transport.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.to = append(s.to, m.To)
	return transport.Receipt{MessageID: "re_" + m.LeadID}, nil
}

func TestBouncedLeadIsNotContactedAgain(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "driver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	old := testNow.Add(-96 * time.Hour)
	contacted := func(email, messageID string) domain.Lead {
		l, _, err := db.InsertLead(ctx, domain.Lead{Email: email, Status: domain.StatusContacted, SequenceStep: 1, LastContactedAt: &old})
		require.NoError(t, err)
		require.NoError(t, db.AppendAudit(ctx, domain.AuditLogEntry{
			LeadID:    l.ID,
			Action:    domain.ActionEmailSent,
			Reasoning: "sent",
			Metadata:  domain.SendOutcome{MessageID: messageID, SequenceStep: 1},
			CreatedAt: old,
		}))
		return l
	}
	bounced := contacted("gone@acme.io", "m-1")
	healthy := contacted("ada@acme.io", "m-2")

	sender := &sendRecorder{}
	engine := outreach.New(outreach.Deps{
		Store:    db,
		Stop:     stopFake{},
		Governor: &govFake{},
		Emails:   acceptAll{},
		Content:  compliance.MustDefault(),
		Sender:   sender,
	}, outreach.Options{Now: func() time.Time { return testNow }})

	_, err = delivery.NewIngester(db, engine, nil, nil).Ingest(ctx, delivery.Event{MessageID: "m-1", Status: "bounced"})
	require.NoError(t, err)

	d := New(Deps{
		Leads:    db,
		Engine:   engine,
		Drafter:  mustDrafter(t),
		Stop:     stopFake{},
		Governor: &govFake{},
	}, Options{Concurrency: 2, Now: func() time.Time { return testNow }})

	sum, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Considered)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, []string{"ada@acme.io"}, sender.to)

	got, err := db.GetLead(ctx, bounced.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnqualified, got.Status)
	got, err = db.GetLead(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SequenceStep)
}
