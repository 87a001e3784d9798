// Package store provides storage backends for the notification outbox pipeline.
//
// This file implements the SQLite-backed store, used for single-node
// deployments and local development.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/cartloop/notifier/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists outbox events, templates, and preferences in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store based on provided options.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open database", "error", err)
		return nil, err
	}
	// SQLite supports one writer at a time; a second connection returns
	// "database is locked" instead of queueing.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied")
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so producers can open transactions that
// span their business write and CreateOutboxEventTx.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error {
	return s.insertOutboxEvent(ctx, s.db, ev)
}

func (s *SQLiteStore) CreateOutboxEventTx(ctx context.Context, tx *sql.Tx, ev *models.OutboxEvent) error {
	return s.insertOutboxEvent(ctx, tx, ev)
}

func (s *SQLiteStore) insertOutboxEvent(ctx context.Context, db execer, ev *models.OutboxEvent) error {
	metadata, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, tenant_id, event_type, aggregate_id, aggregate_type, event_data,
		   status, retry_count, max_retries, next_retry_at, error_message, error_stack_trace,
		   metadata, created_at, updated_at, processed_at, last_attempt_at, processing_instance_id, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.EventType, ev.AggregateID, ev.AggregateType, ev.EventData,
		ev.Status, ev.RetryCount, ev.MaxRetries, ev.NextRetryAt, nilIfEmpty(ev.ErrorMessage), nilIfEmpty(ev.ErrorStackTrace),
		metadata, ev.CreatedAt, ev.UpdatedAt, ev.ProcessedAt, ev.LastAttemptAt, nilIfEmpty(ev.ProcessingInstanceID), ev.Version,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateOutboxEvent failed", "error", err, "id", ev.ID)
		return fmt.Errorf("insert outbox event failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateOutboxEvent", "id", ev.ID, "tenantID", ev.TenantID, "eventType", ev.EventType)
	return nil
}

func (s *SQLiteStore) GetOutboxEvent(ctx context.Context, id string) (*models.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events WHERE id = ?`, id)
	ev, err := scanOutboxEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (s *SQLiteStore) ClaimOutboxEvent(ctx context.Context, id string, version int64, instanceID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = ?, processing_instance_id = ?, last_attempt_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status IN (?, ?)`,
		models.OutboxStatusProcessing, instanceID, now, now,
		id, version, models.OutboxStatusPending, models.OutboxStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("claim outbox event failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim outbox event rows affected failed: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) (bool, error) {
	metadata, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = ?, retry_count = ?, max_retries = ?, next_retry_at = ?,
		     error_message = ?, error_stack_trace = ?, metadata = ?, updated_at = ?,
		     processed_at = ?, last_attempt_at = ?, processing_instance_id = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		ev.Status, ev.RetryCount, ev.MaxRetries, ev.NextRetryAt,
		nilIfEmpty(ev.ErrorMessage), nilIfEmpty(ev.ErrorStackTrace), metadata, now,
		ev.ProcessedAt, ev.LastAttemptAt, nilIfEmpty(ev.ProcessingInstanceID),
		ev.ID, ev.Version,
	)
	if err != nil {
		return false, fmt.Errorf("update outbox event failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update outbox event rows affected failed: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	ev.Version++
	ev.UpdatedAt = now
	return true, nil
}

func (s *SQLiteStore) ListReadyOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events
		 WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		models.OutboxStatusPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ready outbox events failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *SQLiteStore) ListDueRetryOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		models.OutboxStatusFailed, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due retry outbox events failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *SQLiteStore) ListStuckOutboxEvents(ctx context.Context, stuckBefore time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events
		 WHERE status = ? AND last_attempt_at IS NOT NULL AND last_attempt_at < ?
		 ORDER BY last_attempt_at ASC LIMIT ?`,
		models.OutboxStatusProcessing, stuckBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck outbox events failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *SQLiteStore) DeleteTerminalOutboxEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status IN (?, ?) AND updated_at < ?`,
		models.OutboxStatusCompleted, models.OutboxStatusDeadLetter, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal outbox events failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete terminal outbox events rows affected failed: %w", err)
	}
	if n > 0 {
		slog.Info("SQLiteStore.DeleteTerminalOutboxEventsBefore", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *SQLiteStore) CountOutboxEventsByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox events failed: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.OutboxStatus]int64)
	for rows.Next() {
		var status models.OutboxStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan outbox count row failed: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox count rows failed: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) GetNotificationTemplate(ctx context.Context, tenantID, eventType string, channel models.Channel, locale string) (*models.NotificationTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, event_type, channel, locale, subject, body, is_active
		 FROM notification_templates
		 WHERE tenant_id = ? AND event_type = ? AND channel = ? AND locale = ? AND is_active = 1`,
		tenantID, eventType, channel, locale,
	)
	var t models.NotificationTemplate
	var subject sql.NullString
	err := row.Scan(&t.TenantID, &t.EventType, &t.Channel, &t.Locale, &subject, &t.Body, &t.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification template failed: %w", err)
	}
	t.Subject = subject.String
	return &t, nil
}

func (s *SQLiteStore) UpsertNotificationTemplate(ctx context.Context, t *models.NotificationTemplate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_templates (tenant_id, event_type, channel, locale, subject, body, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, event_type, channel, locale)
		 DO UPDATE SET subject = excluded.subject, body = excluded.body, is_active = excluded.is_active`,
		t.TenantID, t.EventType, t.Channel, t.Locale, nilIfEmpty(t.Subject), t.Body, t.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert notification template failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEnabledPreferences(ctx context.Context, tenantID, customerID, eventType string) ([]models.CustomerNotificationPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, customer_id, event_type, channel, enabled, locale, contact_info, verified
		 FROM customer_notification_preferences
		 WHERE tenant_id = ? AND customer_id = ? AND event_type = ? AND enabled = 1`,
		tenantID, customerID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("list enabled preferences failed: %w", err)
	}
	defer rows.Close()
	var prefs []models.CustomerNotificationPreference
	for rows.Next() {
		var p models.CustomerNotificationPreference
		if err := rows.Scan(&p.TenantID, &p.CustomerID, &p.EventType, &p.Channel, &p.Enabled, &p.Locale, &p.ContactInfo, &p.Verified); err != nil {
			return nil, fmt.Errorf("scan preference row failed: %w", err)
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preference rows failed: %w", err)
	}
	return prefs, nil
}

func (s *SQLiteStore) UpsertPreference(ctx context.Context, p *models.CustomerNotificationPreference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_notification_preferences (tenant_id, customer_id, event_type, channel, enabled, locale, contact_info, verified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, customer_id, event_type, channel)
		 DO UPDATE SET enabled = excluded.enabled, locale = excluded.locale, contact_info = excluded.contact_info, verified = excluded.verified`,
		p.TenantID, p.CustomerID, p.EventType, p.Channel, p.Enabled, p.Locale, p.ContactInfo, p.Verified,
	)
	if err != nil {
		return fmt.Errorf("upsert preference failed: %w", err)
	}
	return nil
}
