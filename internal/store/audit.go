package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach-engine/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendAudit inserts one immutable audit entry.
func (d *DB) AppendAudit(ctx context.Context, e domain.AuditLogEntry) error {
	return appendAudit(ctx, d.Pool, e)
}

func appendAudit(ctx context.Context, x execer, e domain.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, err := domain.EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var leadID sql.NullString
	if e.LeadID != "" {
		leadID = sql.NullString{String: e.LeadID, Valid: true}
	}
	_, err = x.ExecContext(ctx, `
INSERT INTO audit_log (id, lead_id, action, reasoning, metadata, message_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
		e.ID, leadID, string(e.Action), e.Reasoning, meta, e.MessageID(), toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

// ListAuditSince returns entries with one of the actions created at or after since.
func (d *DB) ListAuditSince(ctx context.Context, actions []domain.AuditAction, since time.Time) ([]domain.AuditLogEntry, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(actions)+1)
	for _, a := range actions {
		args = append(args, string(a))
	}
	args = append(args, toMillis(since))

	query := fmt.Sprintf(`
SELECT id, lead_id, action, reasoning, metadata, created_at
FROM audit_log
WHERE action IN (%s) AND created_at >= ?
ORDER BY created_at ASC;`, placeholders(len(actions)))

	return d.queryAudit(ctx, query, args...)
}

// CountAuditSince counts entries with one of the actions created at or after since.
func (d *DB) CountAuditSince(ctx context.Context, actions []domain.AuditAction, since time.Time) (int, error) {
	if len(actions) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(actions)+1)
	for _, a := range actions {
		args = append(args, string(a))
	}
	args = append(args, toMillis(since))

	var n int
	err := d.Pool.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM audit_log WHERE action IN (%s) AND created_at >= ?;`, placeholders(len(actions))),
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

func (d *DB) ListAuditByLead(ctx context.Context, leadID string) ([]domain.AuditLogEntry, error) {
	return d.queryAudit(ctx, `
SELECT id, lead_id, action, reasoning, metadata, created_at
FROM audit_log
WHERE lead_id = ?
ORDER BY created_at ASC, rowid ASC;`, leadID)
}

// FindSendByMessageID returns the send entry carrying messageID.
func (d *DB) FindSendByMessageID(ctx context.Context, messageID string) (domain.AuditLogEntry, error) {
	entries, err := d.queryAudit(ctx, `
SELECT id, lead_id, action, reasoning, metadata, created_at
FROM audit_log
WHERE message_id = ? AND action IN (?, ?)
LIMIT 1;`, messageID, string(domain.ActionEmailSent), string(domain.ActionEmailScheduled))
	if err != nil {
		return domain.AuditLogEntry{}, err
	}
	if len(entries) == 0 {
		return domain.AuditLogEntry{}, ErrNotFound
	}
	return entries[0], nil
}

// MergeDeliveryStatus records the provider's asynchronous delivery status on
// the send entry for messageID. It is the only mutation of an existing audit
// row and touches nothing but the deliveryStatus field.
func (d *DB) MergeDeliveryStatus(ctx context.Context, messageID string, status domain.DeliveryStatus) (bool, error) {
	res, err := d.Pool.ExecContext(ctx, `
UPDATE audit_log
SET metadata = json_set(metadata, '$.data.deliveryStatus', ?)
WHERE message_id = ? AND action IN (?, ?);`,
		string(status), messageID, string(domain.ActionEmailSent), string(domain.ActionEmailScheduled),
	)
	if err != nil {
		return false, fmt.Errorf("merge delivery status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *DB) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditLogEntry, error) {
	rows, err := d.Pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditLogEntry
	for rows.Next() {
		var (
			e         domain.AuditLogEntry
			leadID    sql.NullString
			action    string
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &leadID, &action, &e.Reasoning, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.LeadID = leadID.String
		e.Action = domain.AuditAction(action)
		e.CreatedAt = fromMillis(createdAt)
		m, err := domain.DecodeMetadata(meta)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", e.ID, err)
		}
		e.Metadata = m
		out = append(out, e)
	}
	return out, rows.Err()
}
