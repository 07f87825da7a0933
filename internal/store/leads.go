package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"outreach-engine/internal/domain"
)

const leadColumns = `id, email, first_name, company_name, status, sequence_step, opt_out,
  scheduled_send_at, last_contacted_at, data_source, data_source_date, score,
  research_summary, detected_locale, timezone, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(r rowScanner) (domain.Lead, error) {
	var (
		l                                domain.Lead
		status                           string
		optOut                           int
		scheduled, contacted, sourceDate sql.NullInt64
		createdAt, updatedAt             int64
	)
	err := r.Scan(&l.ID, &l.Email, &l.FirstName, &l.CompanyName, &status, &l.SequenceStep, &optOut,
		&scheduled, &contacted, &l.DataSource, &sourceDate, &l.Score,
		&l.ResearchSummary, &l.DetectedLocale, &l.Timezone, &createdAt, &updatedAt)
	if err != nil {
		return domain.Lead{}, err
	}
	l.Status = domain.LeadStatus(status)
	l.OptOut = optOut != 0
	l.ScheduledSendAt = timePtr(scheduled)
	l.LastContactedAt = timePtr(contacted)
	l.DataSourceDate = timePtr(sourceDate)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return l, nil
}

// InsertLead adds a lead unless one with the same email already exists.
// The email is normalized and a missing ID or status is filled in.
func (d *DB) InsertLead(ctx context.Context, l domain.Lead) (domain.Lead, bool, error) {
	l.Email = domain.NormalizeEmail(l.Email)
	if l.Email == "" {
		return domain.Lead{}, false, errors.New("insert lead: email is required")
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = domain.StatusNew
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	// relies on the unique index on email
	res, err := d.Pool.ExecContext(ctx, `
INSERT OR IGNORE INTO leads (`+leadColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		l.ID, l.Email, l.FirstName, l.CompanyName, string(l.Status), l.SequenceStep, boolInt(l.OptOut),
		nullMillis(l.ScheduledSendAt), nullMillis(l.LastContactedAt), l.DataSource, nullMillis(l.DataSourceDate), l.Score,
		l.ResearchSummary, l.DetectedLocale, l.Timezone, toMillis(l.CreatedAt), toMillis(l.UpdatedAt),
	)
	if err != nil {
		return domain.Lead{}, false, fmt.Errorf("insert lead: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := d.GetLeadByEmail(ctx, l.Email)
		return existing, false, err
	}
	return l, true, nil
}

func (d *DB) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := d.Pool.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ? LIMIT 1;`, id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("get lead %s: %w", id, err)
	}
	return l, nil
}

func (d *DB) GetLeadByEmail(ctx context.Context, email string) (domain.Lead, error) {
	row := d.Pool.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE email = ? LIMIT 1;`,
		domain.NormalizeEmail(email))
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("get lead by email: %w", err)
	}
	return l, nil
}

// ListLeadsByStatus returns leads in any of the statuses, least recently updated first.
func (d *DB) ListLeadsByStatus(ctx context.Context, statuses []domain.LeadStatus, limit int) ([]domain.Lead, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT %s
FROM leads
WHERE status IN (%s) AND opt_out = 0
ORDER BY updated_at ASC
LIMIT ?;`, leadColumns, placeholders(len(statuses)))

	return d.queryLeads(ctx, query, args...)
}

// ListDueScheduled returns SCHEDULED leads whose send time has elapsed.
func (d *DB) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryLeads(ctx, `
SELECT `+leadColumns+`
FROM leads
WHERE status = ? AND scheduled_send_at IS NOT NULL AND scheduled_send_at <= ?
ORDER BY scheduled_send_at ASC
LIMIT ?;`, string(domain.StatusScheduled), toMillis(now), limit)
}

// ListUnmatchedContacts finds leads that claim a contact at last_contacted_at
// but have no send or scheduled-send entry at or before that instant, which
// means a send reached the provider without being recorded.
func (d *DB) ListUnmatchedContacts(ctx context.Context, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryLeads(ctx, `
SELECT `+leadColumns+`
FROM leads l
WHERE l.last_contacted_at IS NOT NULL
  AND NOT EXISTS (
    SELECT 1 FROM audit_log a
    WHERE a.lead_id = l.id
      AND a.action IN (?, ?)
      AND a.created_at <= l.last_contacted_at
  )
ORDER BY l.last_contacted_at ASC
LIMIT ?;`, string(domain.ActionEmailSent), string(domain.ActionEmailScheduled), limit)
}

func (d *DB) queryLeads(ctx context.Context, query string, args ...any) ([]domain.Lead, error) {
	rows, err := d.Pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ApplyTransition writes next and appends entry in one transaction. The
// update only happens if the stored status and sequence step still match
// expect; otherwise ErrConflict is returned and nothing is written.
func (d *DB) ApplyTransition(ctx context.Context, next domain.Lead, expect domain.LeadVersion, entry domain.AuditLogEntry) error {
	tx, err := d.Pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateLeadCAS(ctx, tx, next, expect); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func updateLeadCAS(ctx context.Context, tx *sql.Tx, l domain.Lead, expect domain.LeadVersion) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
UPDATE leads SET
  status = ?,
  sequence_step = ?,
  opt_out = MAX(opt_out, ?),
  scheduled_send_at = ?,
  last_contacted_at = ?,
  research_summary = ?,
  detected_locale = ?,
  timezone = ?,
  score = ?,
  updated_at = ?
WHERE id = ? AND status = ? AND sequence_step = ?;`,
		string(l.Status), l.SequenceStep, boolInt(l.OptOut),
		nullMillis(l.ScheduledSendAt), nullMillis(l.LastContactedAt),
		l.ResearchSummary, l.DetectedLocale, l.Timezone, l.Score,
		toMillis(l.UpdatedAt),
		l.ID, string(expect.Status), expect.SequenceStep,
	)
	if err != nil {
		return fmt.Errorf("update lead %s: %w", l.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
