// Package store provides storage backends for the notification outbox pipeline.
//
// This file implements the PostgreSQL-backed store.
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
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL-backed stores.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path or URI.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists outbox events, templates, and preferences in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle so producers can open transactions that
// span their business write and CreateOutboxEventTx.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error {
	return s.insertOutboxEvent(ctx, s.db, ev)
}

func (s *PostgresStore) CreateOutboxEventTx(ctx context.Context, tx *sql.Tx, ev *models.OutboxEvent) error {
	return s.insertOutboxEvent(ctx, tx, ev)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) insertOutboxEvent(ctx context.Context, db execer, ev *models.OutboxEvent) error {
	metadata, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, tenant_id, event_type, aggregate_id, aggregate_type, event_data,
		   status, retry_count, max_retries, next_retry_at, error_message, error_stack_trace,
		   metadata, created_at, updated_at, processed_at, last_attempt_at, processing_instance_id, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		ev.ID, ev.TenantID, ev.EventType, ev.AggregateID, ev.AggregateType, ev.EventData,
		ev.Status, ev.RetryCount, ev.MaxRetries, ev.NextRetryAt, nilIfEmpty(ev.ErrorMessage), nilIfEmpty(ev.ErrorStackTrace),
		metadata, ev.CreatedAt, ev.UpdatedAt, ev.ProcessedAt, ev.LastAttemptAt, nilIfEmpty(ev.ProcessingInstanceID), ev.Version,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateOutboxEvent failed", "error", err, "id", ev.ID)
		return fmt.Errorf("insert outbox event failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateOutboxEvent", "id", ev.ID, "tenantID", ev.TenantID, "eventType", ev.EventType)
	return nil
}

func (s *PostgresStore) GetOutboxEvent(ctx context.Context, id string) (*models.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events WHERE id = $1`, id)
	ev, err := scanOutboxEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (s *PostgresStore) ClaimOutboxEvent(ctx context.Context, id string, version int64, instanceID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = $1, processing_instance_id = $2, last_attempt_at = $3, updated_at = $3, version = version + 1
		 WHERE id = $4 AND version = $5 AND status IN ($6, $7)`,
		models.OutboxStatusProcessing, instanceID, now,
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

func (s *PostgresStore) UpdateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) (bool, error) {
	metadata, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = $1, retry_count = $2, max_retries = $3, next_retry_at = $4,
		     error_message = $5, error_stack_trace = $6, metadata = $7, updated_at = $8,
		     processed_at = $9, last_attempt_at = $10, processing_instance_id = $11, version = version + 1
		 WHERE id = $12 AND version = $13`,
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

func (s *PostgresStore) ListReadyOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events
		 WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		 ORDER BY created_at ASC LIMIT $3`,
		models.OutboxStatusPending, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ready outbox events failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *PostgresStore) ListDueRetryOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events
		 WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		 ORDER BY created_at ASC LIMIT $3`,
		models.OutboxStatusFailed, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due retry outbox events failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *PostgresStore) ListStuckOutboxEvents(ctx context.Context, stuckBefore time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxEventColumns+` FROM outbox_events
		 WHERE status = $1 AND last_attempt_at IS NOT NULL AND last_attempt_at < $2
		 ORDER BY last_attempt_at ASC LIMIT $3`,
		models.OutboxStatusProcessing, stuckBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck outbox events failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxEvents(rows)
}

func (s *PostgresStore) DeleteTerminalOutboxEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status IN ($1, $2) AND updated_at < $3`,
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
		slog.Info("PostgresStore.DeleteTerminalOutboxEventsBefore", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *PostgresStore) CountOutboxEventsByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error) {
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

func (s *PostgresStore) GetNotificationTemplate(ctx context.Context, tenantID, eventType string, channel models.Channel, locale string) (*models.NotificationTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, event_type, channel, locale, subject, body, is_active
		 FROM notification_templates
		 WHERE tenant_id = $1 AND event_type = $2 AND channel = $3 AND locale = $4 AND is_active = TRUE`,
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

func (s *PostgresStore) UpsertNotificationTemplate(ctx context.Context, t *models.NotificationTemplate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_templates (tenant_id, event_type, channel, locale, subject, body, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, event_type, channel, locale)
		 DO UPDATE SET subject = EXCLUDED.subject, body = EXCLUDED.body, is_active = EXCLUDED.is_active`,
		t.TenantID, t.EventType, t.Channel, t.Locale, nilIfEmpty(t.Subject), t.Body, t.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert notification template failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEnabledPreferences(ctx context.Context, tenantID, customerID, eventType string) ([]models.CustomerNotificationPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, customer_id, event_type, channel, enabled, locale, contact_info, verified
		 FROM customer_notification_preferences
		 WHERE tenant_id = $1 AND customer_id = $2 AND event_type = $3 AND enabled = TRUE`,
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

func (s *PostgresStore) UpsertPreference(ctx context.Context, p *models.CustomerNotificationPreference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_notification_preferences (tenant_id, customer_id, event_type, channel, enabled, locale, contact_info, verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, customer_id, event_type, channel)
		 DO UPDATE SET enabled = EXCLUDED.enabled, locale = EXCLUDED.locale, contact_info = EXCLUDED.contact_info, verified = EXCLUDED.verified`,
		p.TenantID, p.CustomerID, p.EventType, p.Channel, p.Enabled, p.Locale, p.ContactInfo, p.Verified,
	)
	if err != nil {
		return fmt.Errorf("upsert preference failed: %w", err)
	}
	return nil
}
