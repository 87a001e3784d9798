package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/store"
)

// Error variables for better error handling and testability
var (
	// ErrConflict is returned when a version-guarded write loses the race.
	// Callers that just claimed the record should never see this.
	ErrConflict = errors.New("outbox event version conflict")
	// ErrInvalidTransition is returned when an operation is applied to a
	// record in a state it cannot leave that way.
	ErrInvalidTransition = errors.New("invalid outbox status transition")
)

// ServiceOpts holds configuration options for the outbox event service.
type ServiceOpts struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
}

// ServiceOption defines a configuration option for the outbox event service.
type ServiceOption func(*ServiceOpts)

// WithMaxRetries sets the retry budget applied to newly created events.
func WithMaxRetries(n int) ServiceOption {
	return func(o *ServiceOpts) { o.MaxRetries = n }
}

// WithBackoff sets the exponential backoff parameters for retry scheduling.
func WithBackoff(base time.Duration, multiplier float64, max time.Duration) ServiceOption {
	return func(o *ServiceOpts) {
		o.BackoffBase = base
		o.BackoffMultiplier = multiplier
		o.BackoffCap = max
	}
}

// Service owns every state transition of outbox event records. All writes
// go through the store's version CAS, so a conflicting concurrent writer
// gets a clean "not claimed" instead of corrupting state.
type Service struct {
	store             store.OutboxStore
	maxRetries        int
	backoffBase       time.Duration
	backoffMultiplier float64
	backoffCap        time.Duration
}

// NewService creates an outbox event service over the given store.
func NewService(st store.OutboxStore, opts ...ServiceOption) *Service {
	cfg := ServiceOpts{
		MaxRetries:        models.DefaultMaxRetries,
		BackoffBase:       DefaultBackoffBase,
		BackoffMultiplier: DefaultBackoffMultiplier,
		BackoffCap:        DefaultBackoffCap,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		store:             st,
		maxRetries:        cfg.MaxRetries,
		backoffBase:       cfg.BackoffBase,
		backoffMultiplier: cfg.BackoffMultiplier,
		backoffCap:        cfg.BackoffCap,
	}
}

// CreateEvent inserts a PENDING event with retryCount=0.
func (s *Service) CreateEvent(ctx context.Context, tenantID, eventType, aggregateID, aggregateType, eventData string, metadata map[string]string) (*models.OutboxEvent, error) {
	ev, err := s.buildEvent(tenantID, eventType, aggregateID, aggregateType, eventData, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateOutboxEvent(ctx, ev); err != nil {
		return nil, err
	}
	slog.Debug("Service.CreateEvent", "id", ev.ID, "tenantID", tenantID, "eventType", eventType)
	return ev, nil
}

// CreateEventTx inserts a PENDING event inside the caller's transaction, so
// the event record commits or rolls back together with the business change
// that produced it. This is the core outbox guarantee.
func (s *Service) CreateEventTx(ctx context.Context, tx *sql.Tx, tenantID, eventType, aggregateID, aggregateType, eventData string, metadata map[string]string) (*models.OutboxEvent, error) {
	ev, err := s.buildEvent(tenantID, eventType, aggregateID, aggregateType, eventData, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateOutboxEventTx(ctx, tx, ev); err != nil {
		return nil, err
	}
	slog.Debug("Service.CreateEventTx", "id", ev.ID, "tenantID", tenantID, "eventType", eventType)
	return ev, nil
}

func (s *Service) buildEvent(tenantID, eventType, aggregateID, aggregateType, eventData string, metadata map[string]string) (*models.OutboxEvent, error) {
	ev := models.NewOutboxEvent(tenantID, eventType, aggregateID, aggregateType, eventData, metadata)
	ev.MaxRetries = s.maxRetries
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEvent returns the event with the given id.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.OutboxEvent, error) {
	return s.store.GetOutboxEvent(ctx, id)
}

// ClaimForProcessing conditionally moves a PENDING or FAILED event to
// PROCESSING for instanceID. Returns false when another instance already
// claimed it; the caller must then skip the record silently.
func (s *Service) ClaimForProcessing(ctx context.Context, id, instanceID string) (bool, error) {
	ev, err := s.store.GetOutboxEvent(ctx, id)
	if err != nil {
		return false, err
	}
	if ev.Status != models.OutboxStatusPending && ev.Status != models.OutboxStatusFailed {
		return false, nil
	}
	claimed, err := s.store.ClaimOutboxEvent(ctx, id, ev.Version, instanceID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !claimed {
		slog.Debug("Service.ClaimForProcessing: lost version race", "id", id, "instanceID", instanceID)
	}
	return claimed, nil
}

// MarkCompleted moves a PROCESSING event to COMPLETED, records processedAt,
// and clears the error fields and the claim.
func (s *Service) MarkCompleted(ctx context.Context, id string) error {
	ev, err := s.store.GetOutboxEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status != models.OutboxStatusProcessing {
		return fmt.Errorf("%w: cannot complete event in status %s", ErrInvalidTransition, ev.Status)
	}
	now := time.Now().UTC()
	ev.Status = models.OutboxStatusCompleted
	ev.ProcessedAt = &now
	ev.ErrorMessage = ""
	ev.ErrorStackTrace = ""
	ev.NextRetryAt = nil
	ev.ProcessingInstanceID = ""
	return s.applyUpdate(ctx, ev, "MarkCompleted")
}

// MarkFailed records a failed attempt. It increments retryCount; once the
// count exceeds the event's retry budget the record goes to DEAD_LETTER,
// otherwise to FAILED with nextRetryAt = now + Backoff(retryCount).
func (s *Service) MarkFailed(ctx context.Context, id, message, stackTrace string) error {
	ev, err := s.store.GetOutboxEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot fail event in status %s", ErrInvalidTransition, ev.Status)
	}
	now := time.Now().UTC()
	ev.RetryCount++
	ev.ErrorMessage = message
	ev.ErrorStackTrace = stackTrace
	ev.LastAttemptAt = &now
	ev.ProcessingInstanceID = ""
	if ev.RetryCount > ev.MaxRetries {
		ev.Status = models.OutboxStatusDeadLetter
		ev.NextRetryAt = nil
		slog.Warn("Service.MarkFailed: retry budget exhausted, dead-lettering",
			"id", id, "retryCount", ev.RetryCount, "maxRetries", ev.MaxRetries, "error", message)
	} else {
		delay := Backoff(ev.RetryCount, s.backoffBase, s.backoffMultiplier, s.backoffCap)
		next := now.Add(delay)
		ev.Status = models.OutboxStatusFailed
		ev.NextRetryAt = &next
		slog.Debug("Service.MarkFailed: retry scheduled",
			"id", id, "retryCount", ev.RetryCount, "nextRetryAt", next, "error", message)
	}
	return s.applyUpdate(ctx, ev, "MarkFailed")
}

// MarkFailedPermanent dead-letters an event immediately, bypassing the
// backoff path. Used for configuration errors (missing template,
// unregistered provider) that retrying cannot fix.
func (s *Service) MarkFailedPermanent(ctx context.Context, id, message string) error {
	ev, err := s.store.GetOutboxEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot fail event in status %s", ErrInvalidTransition, ev.Status)
	}
	now := time.Now().UTC()
	ev.RetryCount++
	ev.Status = models.OutboxStatusDeadLetter
	ev.ErrorMessage = message
	ev.ErrorStackTrace = ""
	ev.NextRetryAt = nil
	ev.LastAttemptAt = &now
	ev.ProcessingInstanceID = ""
	slog.Warn("Service.MarkFailedPermanent: non-retryable failure, dead-lettering", "id", id, "error", message)
	return s.applyUpdate(ctx, ev, "MarkFailedPermanent")
}

// ResetForRetry is the manual operator action that returns a record to
// PENDING with a fresh retry budget. It is the only way out of DEAD_LETTER.
func (s *Service) ResetForRetry(ctx context.Context, id string) error {
	ev, err := s.store.GetOutboxEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status == models.OutboxStatusCompleted {
		return fmt.Errorf("%w: cannot reset a completed event", ErrInvalidTransition)
	}
	ev.Status = models.OutboxStatusPending
	ev.RetryCount = 0
	ev.ErrorMessage = ""
	ev.ErrorStackTrace = ""
	ev.NextRetryAt = nil
	ev.ProcessingInstanceID = ""
	slog.Info("Service.ResetForRetry: event reset for redelivery", "id", id)
	return s.applyUpdate(ctx, ev, "ResetForRetry")
}

// ReclaimStuck forcibly returns a PROCESSING event whose worker is presumed
// dead to PENDING with a cleared claim. Only the stuck sweep calls this.
// Returns false when the record moved on concurrently (e.g. the worker was
// alive after all and completed it).
func (s *Service) ReclaimStuck(ctx context.Context, ev *models.OutboxEvent) (bool, error) {
	if ev.Status != models.OutboxStatusProcessing {
		return false, nil
	}
	reset := *ev
	reset.Status = models.OutboxStatusPending
	reset.ProcessingInstanceID = ""
	reset.NextRetryAt = nil
	ok, err := s.store.UpdateOutboxEvent(ctx, &reset)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Warn("Service.ReclaimStuck: reclaimed stuck event",
			"id", ev.ID, "previousInstanceID", ev.ProcessingInstanceID, "lastAttemptAt", ev.LastAttemptAt)
	}
	return ok, nil
}

// CleanupOlderThan deletes COMPLETED and DEAD_LETTER events whose last
// update is older than the retention window. Non-terminal records are never
// deleted regardless of age.
func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return s.store.DeleteTerminalOutboxEventsBefore(ctx, cutoff)
}

// GetStatistics returns the number of events per status for operators.
func (s *Service) GetStatistics(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	return s.store.CountOutboxEventsByStatus(ctx)
}

// ReadyEvents returns the next batch of PENDING events, oldest first.
func (s *Service) ReadyEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	return s.store.ListReadyOutboxEvents(ctx, time.Now().UTC(), limit)
}

// DueRetryEvents returns FAILED events whose backoff delay has elapsed.
func (s *Service) DueRetryEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	return s.store.ListDueRetryOutboxEvents(ctx, time.Now().UTC(), limit)
}

// StuckEvents returns PROCESSING events whose last attempt is older than
// the stuck threshold, meaning the owning worker likely crashed.
func (s *Service) StuckEvents(ctx context.Context, threshold time.Duration, limit int) ([]models.OutboxEvent, error) {
	stuckBefore := time.Now().UTC().Add(-threshold)
	return s.store.ListStuckOutboxEvents(ctx, stuckBefore, limit)
}

func (s *Service) applyUpdate(ctx context.Context, ev *models.OutboxEvent, op string) error {
	ok, err := s.store.UpdateOutboxEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		slog.Error("Service."+op+": version conflict on owned record", "id", ev.ID)
		return ErrConflict
	}
	return nil
}
