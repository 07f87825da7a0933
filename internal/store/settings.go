package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach-engine/internal/domain"
)

// GetSetting returns the setting for key or ErrNotFound.
func (d *DB) GetSetting(ctx context.Context, key string) (domain.SystemSetting, error) {
	key = strings.TrimSpace(key)

	var (
		s         domain.SystemSetting
		updatedAt int64
	)
	err := d.Pool.QueryRowContext(ctx,
		`SELECT key, value, description, updated_at, updated_by FROM system_settings WHERE key = ? LIMIT 1;`,
		key,
	).Scan(&s.Key, &s.Value, &s.Description, &updatedAt, &s.UpdatedBy)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.SystemSetting{}, ErrNotFound
	}
	if err != nil {
		return domain.SystemSetting{}, fmt.Errorf("get setting %s: %w", key, err)
	}
	s.UpdatedAt = fromMillis(updatedAt)
	return s, nil
}

// UpsertSetting writes s and appends entry in one transaction.
func (d *DB) UpsertSetting(ctx context.Context, s domain.SystemSetting, entry domain.AuditLogEntry) error {
	s.Key = strings.TrimSpace(s.Key)
	if s.Key == "" {
		return errors.New("upsert setting: key is required")
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	if s.UpdatedBy == "" {
		s.UpdatedBy = "system"
	}

	tx, err := d.Pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO system_settings(key, value, description, updated_at, updated_by)
VALUES(?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at,
  updated_by = excluded.updated_by;
`, s.Key, s.Value, s.Description, toMillis(s.UpdatedAt), s.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", s.Key, err)
	}

	if err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}
