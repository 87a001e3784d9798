package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/store"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	return NewService(st, opts...), st
}

func createTestEvent(t *testing.T, svc *Service) *models.OutboxEvent {
	t.Helper()
	ev, err := svc.CreateEvent(context.Background(), "tenant-1", "order.shipped", "cust-42", "customer", `{"order":{"id":"o-1"}}`, nil)
	if err != nil {
		t.Fatalf("unexpected error creating event: %v", err)
	}
	return ev
}

func TestCreateEventStartsPending(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	if ev.Status != models.OutboxStatusPending {
		t.Errorf("expected PENDING, got %s", ev.Status)
	}
	if ev.RetryCount != 0 {
		t.Errorf("expected retryCount 0, got %d", ev.RetryCount)
	}
	if ev.ID == "" {
		t.Error("expected a generated id")
	}
	if ev.MaxRetries != models.DefaultMaxRetries {
		t.Errorf("expected default retry budget, got %d", ev.MaxRetries)
	}
}

func TestCreateEventRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateEvent(context.Background(), "", "order.shipped", "cust-42", "customer", "{}", nil)
	if !errors.Is(err, models.ErrEmptyTenantID) {
		t.Errorf("expected ErrEmptyTenantID, got %v", err)
	}
	_, err = svc.CreateEvent(context.Background(), "tenant-1", "", "cust-42", "customer", "{}", nil)
	if !errors.Is(err, models.ErrEmptyEventType) {
		t.Errorf("expected ErrEmptyEventType, got %v", err)
	}
}

func TestCreateEventTxRidesCallerTransaction(t *testing.T) {
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "notifier.db")))
	if err != nil {
		t.Skipf("SQLite not available: %v", err)
	}
	defer st.Close()
	svc := NewService(st)
	ctx := context.Background()

	// The business transaction rolls back, taking the event with it.
	tx, err := st.DB().Begin()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	abandoned, err := svc.CreateEventTx(ctx, tx, "tenant-1", "order.placed", "cust-1", "customer", "{}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.GetEvent(ctx, abandoned.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the rolled-back event to be absent, got %v", err)
	}

	// The committed transaction leaves the event durable and PENDING.
	tx, err = st.DB().Begin()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	placed, err := svc.CreateEventTx(ctx, tx, "tenant-1", "order.placed", "cust-1", "customer", "{}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := svc.GetEvent(ctx, placed.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.OutboxStatusPending || got.RetryCount != 0 {
		t.Errorf("committed event: status=%s retryCount=%d", got.Status, got.RetryCount)
	}
}

func TestClaimForProcessing(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	claimed, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatal("expected claim to succeed on a fresh PENDING event")
	}

	got, err := svc.GetEvent(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.OutboxStatusProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
	if got.ProcessingInstanceID != "worker-a" {
		t.Errorf("expected claim owner worker-a, got %q", got.ProcessingInstanceID)
	}
	if got.LastAttemptAt == nil {
		t.Error("expected lastAttemptAt to be set")
	}

	// A second claim must lose without error.
	claimed, err = svc.ClaimForProcessing(context.Background(), ev.ID, "worker-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("expected second claim on a PROCESSING event to fail")
	}
}

func TestClaimRaceHasSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			claimed, err := svc.ClaimForProcessing(context.Background(), ev.ID, id)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if claimed {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.ProcessingInstanceID != winners[0] {
		t.Errorf("claim owner %q does not match winner %q", got.ProcessingInstanceID, winners[0])
	}
}

func TestMarkCompleted(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	if _, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkCompleted(context.Background(), ev.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.Status != models.OutboxStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Error("expected processedAt to be set")
	}
	if got.ProcessingInstanceID != "" {
		t.Error("expected claim to be cleared")
	}
	if got.NextRetryAt != nil {
		t.Error("expected nextRetryAt to be cleared")
	}
}

func TestMarkCompletedRequiresProcessing(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	err := svc.MarkCompleted(context.Background(), ev.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition completing a PENDING event, got %v", err)
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	svc, _ := newTestService(t, WithBackoff(time.Minute, 5.0, 6*time.Hour))
	ev := createTestEvent(t, svc)

	if _, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkFailed(context.Background(), ev.ID, "smtp timeout", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.Status != models.OutboxStatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "smtp timeout" {
		t.Errorf("expected error message preserved, got %q", got.ErrorMessage)
	}
	if got.NextRetryAt == nil {
		t.Fatal("expected nextRetryAt to be set")
	}
	if got.LastAttemptAt == nil {
		t.Fatal("expected lastAttemptAt to be set")
	}
	if !got.NextRetryAt.After(*got.LastAttemptAt) {
		t.Error("nextRetryAt must be after lastAttemptAt")
	}
	if got.ProcessingInstanceID != "" {
		t.Error("expected claim to be cleared on failure")
	}
}

func TestMarkFailedExhaustsBudgetToDeadLetter(t *testing.T) {
	svc, _ := newTestService(t, WithMaxRetries(2))
	ev := createTestEvent(t, svc)

	// Each cycle: claim, fail. Attempts 1 and 2 consume the budget, the
	// third attempt exceeds it.
	for i := 0; i < 3; i++ {
		claimed, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a")
		if err != nil {
			t.Fatalf("unexpected error on claim %d: %v", i, err)
		}
		if !claimed {
			t.Fatalf("expected claim %d to succeed", i)
		}
		if err := svc.MarkFailed(context.Background(), ev.ID, "provider down", ""); err != nil {
			t.Fatalf("unexpected error on fail %d: %v", i, err)
		}
	}

	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.Status != models.OutboxStatusDeadLetter {
		t.Fatalf("expected DEAD_LETTER after budget exhaustion, got %s", got.Status)
	}
	if got.RetryCount != got.MaxRetries+1 {
		t.Errorf("expected retryCount == maxRetries+1, got %d with budget %d", got.RetryCount, got.MaxRetries)
	}
	if got.NextRetryAt != nil {
		t.Error("dead-lettered event must not carry nextRetryAt")
	}

	// Terminal states reject further failure transitions.
	err := svc.MarkFailed(context.Background(), ev.ID, "again", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition failing a DEAD_LETTER event, got %v", err)
	}
}

func TestMarkFailedPermanentSkipsBackoff(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	if _, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkFailedPermanent(context.Background(), ev.ID, "no template configured"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.Status != models.OutboxStatusDeadLetter {
		t.Errorf("expected DEAD_LETTER on first attempt, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", got.RetryCount)
	}
	if got.NextRetryAt != nil {
		t.Error("permanently failed event must not carry nextRetryAt")
	}
}

func TestResetForRetry(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	if _, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkFailedPermanent(context.Background(), ev.ID, "bad config"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.ResetForRetry(context.Background(), ev.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.Status != models.OutboxStatusPending {
		t.Errorf("expected PENDING after reset, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("expected fresh retry budget, got retryCount %d", got.RetryCount)
	}
	if got.ErrorMessage != "" {
		t.Error("expected error fields cleared on reset")
	}
}

func TestResetForRetryRejectsCompleted(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	if _, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkCompleted(context.Background(), ev.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := svc.ResetForRetry(context.Background(), ev.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resetting a COMPLETED event, got %v", err)
	}
}

func TestReclaimStuck(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	if _, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stuck, _ := svc.GetEvent(context.Background(), ev.ID)

	ok, err := svc.ReclaimStuck(context.Background(), stuck)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected reclaim to succeed")
	}

	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.Status != models.OutboxStatusPending {
		t.Errorf("expected PENDING after reclaim, got %s", got.Status)
	}
	if got.ProcessingInstanceID != "" {
		t.Error("expected claim cleared after reclaim")
	}
}

func TestReclaimStuckIgnoresMovedOnRecords(t *testing.T) {
	svc, _ := newTestService(t)
	ev := createTestEvent(t, svc)

	if _, err := svc.ClaimForProcessing(context.Background(), ev.ID, "worker-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale, _ := svc.GetEvent(context.Background(), ev.ID)

	// The worker turns out to be alive and completes the record first.
	if err := svc.MarkCompleted(context.Background(), ev.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := svc.ReclaimStuck(context.Background(), stale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected reclaim with a stale snapshot to lose the version race")
	}
	got, _ := svc.GetEvent(context.Background(), ev.ID)
	if got.Status != models.OutboxStatusCompleted {
		t.Errorf("completed record must stay COMPLETED, got %s", got.Status)
	}
}

func TestCleanupOlderThanOnlyPrunesTerminal(t *testing.T) {
	svc, st := newTestService(t)

	old := time.Now().UTC().AddDate(0, 0, -60)

	completed := createTestEvent(t, svc)
	if _, err := svc.ClaimForProcessing(context.Background(), completed.ID, "w"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkCompleted(context.Background(), completed.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st.SetUpdatedAt(completed.ID, old)

	pending := createTestEvent(t, svc)
	st.SetUpdatedAt(pending.ID, old)

	fresh := createTestEvent(t, svc)
	if _, err := svc.ClaimForProcessing(context.Background(), fresh.ID, "w"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkCompleted(context.Background(), fresh.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := svc.CleanupOlderThan(context.Background(), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one pruned record, got %d", n)
	}

	if _, err := svc.GetEvent(context.Background(), completed.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("old completed event should be pruned")
	}
	if _, err := svc.GetEvent(context.Background(), pending.ID); err != nil {
		t.Error("old pending event must never be pruned")
	}
	if _, err := svc.GetEvent(context.Background(), fresh.ID); err != nil {
		t.Error("fresh completed event must survive cleanup")
	}
}

func TestCleanupRejectsNonPositiveRetention(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CleanupOlderThan(context.Background(), 0); err == nil {
		t.Error("expected error for zero retention days")
	}
}

func TestGetStatistics(t *testing.T) {
	svc, _ := newTestService(t)

	createTestEvent(t, svc)
	done := createTestEvent(t, svc)
	if _, err := svc.ClaimForProcessing(context.Background(), done.ID, "w"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkCompleted(context.Background(), done.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := svc.GetStatistics(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats[models.OutboxStatusPending] != 1 {
		t.Errorf("expected 1 pending, got %d", stats[models.OutboxStatusPending])
	}
	if stats[models.OutboxStatusCompleted] != 1 {
		t.Errorf("expected 1 completed, got %d", stats[models.OutboxStatusCompleted])
	}
}
