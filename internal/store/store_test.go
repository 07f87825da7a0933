package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(db.Pool))

	var v int
	require.NoError(t, db.Pool.QueryRow(`PRAGMA user_version;`).Scan(&v))
	assert.Equal(t, 2, v)

	ctx := context.Background()
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.Checkpoint(ctx))
}

func TestInsertLeadIgnoresDuplicateEmail(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, created, err := db.InsertLead(ctx, domain.Lead{Email: " Ada@Acme.io ", DataSource: "manual"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ada@acme.io", first.Email)
	assert.Equal(t, domain.StatusNew, first.Status)
	assert.NotEmpty(t, first.ID)

	again, created, err := db.InsertLead(ctx, domain.Lead{Email: "ada@acme.io", DataSource: "other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "manual", again.DataSource)
}

func TestGetLeadNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetLead(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyTransitionCompareAndSet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	lead, _, err := db.InsertLead(ctx, domain.Lead{Email: "bob@acme.io", Status: domain.StatusResearching})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	next := lead
	next.Status = domain.StatusContacted
	next.SequenceStep = 1
	next.LastContactedAt = &now
	next.UpdatedAt = now

	entry := domain.AuditLogEntry{
		LeadID:    lead.ID,
		Action:    domain.ActionEmailSent,
		Reasoning: "sent",
		Metadata:  domain.SendOutcome{MessageID: "m-1", SequenceStep: 1},
		CreatedAt: now,
	}
	require.NoError(t, db.ApplyTransition(ctx, next, lead.Version(), entry))

	got, err := db.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusContacted, got.Status)
	assert.Equal(t, 1, got.SequenceStep)
	require.NotNil(t, got.LastContactedAt)
	assert.True(t, now.Equal(*got.LastContactedAt))

	// stale writer loses and writes nothing
	stale := lead
	stale.Status = domain.StatusContacted
	stale.SequenceStep = 1
	err = db.ApplyTransition(ctx, stale, lead.Version(), domain.AuditLogEntry{
		LeadID: lead.ID, Action: domain.ActionEmailSent, Reasoning: "duplicate",
	})
	assert.ErrorIs(t, err, ErrConflict)

	entries, err := db.ListAuditByLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m-1", entries[0].MessageID())
}

func TestMergeDeliveryStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.AppendAudit(ctx, domain.AuditLogEntry{
		Action:   domain.ActionEmailSent,
		Metadata: domain.SendOutcome{MessageID: "m-42", SequenceStep: 1},
	}))

	ok, err := db.MergeDeliveryStatus(ctx, "m-42", domain.DeliveryDelayed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.MergeDeliveryStatus(ctx, "unknown-id", domain.DeliveryBounced)
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := db.FindSendByMessageID(ctx, "m-42")
	require.NoError(t, err)
	so, isSend := e.Metadata.(domain.SendOutcome)
	require.True(t, isSend)
	assert.Equal(t, domain.DeliveryDelayed, so.DeliveryStatus)
	assert.Equal(t, 1, so.SequenceStep)
}

func TestListAuditSinceFiltersByActionAndTime(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, e := range []domain.AuditLogEntry{
		{Action: domain.ActionEmailSent, CreatedAt: now.Add(-2 * time.Hour)},
		{Action: domain.ActionEmailSent, CreatedAt: now.Add(-10 * time.Minute)},
		{Action: domain.ActionEmailScheduled, CreatedAt: now.Add(-5 * time.Minute)},
		{Action: domain.ActionComplianceCheck, CreatedAt: now.Add(-1 * time.Minute)},
	} {
		require.NoError(t, db.AppendAudit(ctx, e))
	}

	got, err := db.ListAuditSince(ctx,
		[]domain.AuditAction{domain.ActionEmailSent, domain.ActionEmailScheduled},
		now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	n, err := db.CountAuditSince(ctx, []domain.AuditAction{domain.ActionEmailSent}, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListDueScheduled(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	_, _, err := db.InsertLead(ctx, domain.Lead{Email: "due@acme.io", Status: domain.StatusScheduled, ScheduledSendAt: &past})
	require.NoError(t, err)
	_, _, err = db.InsertLead(ctx, domain.Lead{Email: "later@acme.io", Status: domain.StatusScheduled, ScheduledSendAt: &future})
	require.NoError(t, err)

	due, err := db.ListDueScheduled(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due@acme.io", due[0].Email)
}

func TestListUnmatchedContacts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	contacted := time.Now().UTC().Truncate(time.Millisecond)

	_, _, err := db.InsertLead(ctx, domain.Lead{Email: "orphan@acme.io", Status: domain.StatusContacted, LastContactedAt: &contacted})
	require.NoError(t, err)

	got, err := db.ListUnmatchedContacts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "orphan@acme.io", got[0].Email)
}

func TestUpsertSettingWritesAudit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetSetting(ctx, domain.SettingEmergencyStop)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, v := range []string{"true", "false"} {
		require.NoError(t, db.UpsertSetting(ctx,
			domain.SystemSetting{Key: domain.SettingEmergencyStop, Value: v, UpdatedBy: "ops"},
			domain.AuditLogEntry{Action: domain.ActionKillSwitchActivated, Reasoning: "toggle"},
		))
	}

	s, err := db.GetSetting(ctx, domain.SettingEmergencyStop)
	require.NoError(t, err)
	assert.Equal(t, "false", s.Value)
	assert.Equal(t, "ops", s.UpdatedBy)

	n, err := db.CountAuditSince(ctx, []domain.AuditAction{domain.ActionKillSwitchActivated}, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
