// Package store provides storage backends for the notification outbox pipeline.
//
// It defines the record-store interfaces the outbox service and orchestrator
// depend on, with PostgreSQL, SQLite, and in-memory implementations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cartloop/notifier/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// OutboxStore is the durable table of pending/in-flight/terminal event records.
//
// Claim and Update are compare-and-set operations on the record's version
// column; they report false instead of writing when the version moved.
type OutboxStore interface {
	// CreateOutboxEvent inserts a new event record.
	CreateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error

	// CreateOutboxEventTx inserts a new event record inside the caller's
	// transaction, so the event commits or rolls back with the business
	// change that produced it.
	CreateOutboxEventTx(ctx context.Context, tx *sql.Tx, ev *models.OutboxEvent) error

	// GetOutboxEvent returns the event with the given id, or ErrNotFound.
	GetOutboxEvent(ctx context.Context, id string) (*models.OutboxEvent, error)

	// ClaimOutboxEvent conditionally moves a PENDING or FAILED event to
	// PROCESSING for instanceID, only if the stored version still equals
	// version. Returns false when another instance won the race.
	ClaimOutboxEvent(ctx context.Context, id string, version int64, instanceID string, now time.Time) (bool, error)

	// UpdateOutboxEvent writes every mutable field of ev, guarded on
	// ev.Version. On success the stored version is incremented and ev is
	// updated in place to match. Returns false on a version conflict.
	UpdateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) (bool, error)

	// ListReadyOutboxEvents returns up to limit PENDING events whose
	// NextRetryAt is unset or due, oldest first.
	ListReadyOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)

	// ListDueRetryOutboxEvents returns up to limit FAILED events whose
	// NextRetryAt is due, oldest first.
	ListDueRetryOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error)

	// ListStuckOutboxEvents returns up to limit PROCESSING events whose
	// LastAttemptAt is older than stuckBefore.
	ListStuckOutboxEvents(ctx context.Context, stuckBefore time.Time, limit int) ([]models.OutboxEvent, error)

	// DeleteTerminalOutboxEventsBefore deletes COMPLETED and DEAD_LETTER
	// events last updated before cutoff and returns the number removed.
	DeleteTerminalOutboxEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountOutboxEventsByStatus returns the number of events per status.
	CountOutboxEventsByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error)
}

// TemplateStore is the read-mostly lookup for notification templates.
type TemplateStore interface {
	// GetNotificationTemplate returns the active template for the exact
	// (tenant, event type, channel, locale) key, or (nil, nil) when no
	// active template exists. Locale fallback is the resolver's job.
	GetNotificationTemplate(ctx context.Context, tenantID, eventType string, channel models.Channel, locale string) (*models.NotificationTemplate, error)

	// UpsertNotificationTemplate creates or replaces a template.
	UpsertNotificationTemplate(ctx context.Context, t *models.NotificationTemplate) error
}

// PreferenceStore exposes customer notification preferences. The pipeline
// only ever reads them; ownership lives with the customer CRUD elsewhere.
type PreferenceStore interface {
	// ListEnabledPreferences returns all enabled preferences of one
	// customer for the given tenant and event type, across channels.
	ListEnabledPreferences(ctx context.Context, tenantID, customerID, eventType string) ([]models.CustomerNotificationPreference, error)

	// UpsertPreference creates or replaces a preference row.
	UpsertPreference(ctx context.Context, p *models.CustomerNotificationPreference) error
}

// Store combines every persistence capability the pipeline needs.
type Store interface {
	OutboxStore
	TemplateStore
	PreferenceStore
	Close() error
}
