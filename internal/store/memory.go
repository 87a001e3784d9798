package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/cartloop/notifier/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in maps guarded by one mutex. It mirrors
// the SQL stores' version CAS semantics exactly, so the outbox service and
// processor can be exercised in tests without a database.
type InMemoryStore struct {
	mu        sync.Mutex
	events    map[string]*models.OutboxEvent
	templates map[string]*models.NotificationTemplate
	prefs     map[string]*models.CustomerNotificationPreference
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:    make(map[string]*models.OutboxEvent),
		templates: make(map[string]*models.NotificationTemplate),
		prefs:     make(map[string]*models.CustomerNotificationPreference),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyEvent(ev *models.OutboxEvent) *models.OutboxEvent {
	dup := *ev
	if ev.Metadata != nil {
		dup.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			dup.Metadata[k] = v
		}
	}
	if ev.NextRetryAt != nil {
		t := *ev.NextRetryAt
		dup.NextRetryAt = &t
	}
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		dup.ProcessedAt = &t
	}
	if ev.LastAttemptAt != nil {
		t := *ev.LastAttemptAt
		dup.LastAttemptAt = &t
	}
	return &dup
}

func (s *InMemoryStore) CreateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = copyEvent(ev)
	return nil
}

// CreateOutboxEventTx ignores the transaction; the in-memory store has no
// transactional coupling to a business write.
func (s *InMemoryStore) CreateOutboxEventTx(ctx context.Context, tx *sql.Tx, ev *models.OutboxEvent) error {
	return s.CreateOutboxEvent(ctx, ev)
}

func (s *InMemoryStore) GetOutboxEvent(ctx context.Context, id string) (*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(ev), nil
}

func (s *InMemoryStore) ClaimOutboxEvent(ctx context.Context, id string, version int64, instanceID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return false, nil
	}
	if ev.Version != version {
		return false, nil
	}
	if ev.Status != models.OutboxStatusPending && ev.Status != models.OutboxStatusFailed {
		return false, nil
	}
	ev.Status = models.OutboxStatusProcessing
	ev.ProcessingInstanceID = instanceID
	t := now
	ev.LastAttemptAt = &t
	ev.UpdatedAt = now
	ev.Version++
	return true, nil
}

func (s *InMemoryStore) UpdateOutboxEvent(ctx context.Context, ev *models.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.events[ev.ID]
	if !ok {
		return false, ErrNotFound
	}
	if stored.Version != ev.Version {
		return false, nil
	}
	now := time.Now().UTC()
	dup := copyEvent(ev)
	dup.Version = ev.Version + 1
	dup.UpdatedAt = now
	dup.CreatedAt = stored.CreatedAt
	s.events[ev.ID] = dup
	ev.Version++
	ev.UpdatedAt = now
	return true, nil
}

// SetUpdatedAt backdates a record's update timestamp. Tests use it to age
// records into the retention and stuck windows.
func (s *InMemoryStore) SetUpdatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		ev.UpdatedAt = t
	}
}

// SetLastAttemptAt backdates a record's last attempt timestamp. Tests use it
// to simulate a claim whose worker died.
func (s *InMemoryStore) SetLastAttemptAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		at := t
		ev.LastAttemptAt = &at
	}
}

func (s *InMemoryStore) listEvents(filter func(*models.OutboxEvent) bool, less func(a, b *models.OutboxEvent) bool, limit int) []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.OutboxEvent
	for _, ev := range s.events {
		if filter(ev) {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]models.OutboxEvent, 0, len(matched))
	for _, ev := range matched {
		out = append(out, *copyEvent(ev))
	}
	return out
}

func (s *InMemoryStore) ListReadyOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	return s.listEvents(
		func(ev *models.OutboxEvent) bool {
			return ev.Status == models.OutboxStatusPending &&
				(ev.NextRetryAt == nil || !ev.NextRetryAt.After(now))
		},
		func(a, b *models.OutboxEvent) bool { return a.CreatedAt.Before(b.CreatedAt) },
		limit,
	), nil
}

func (s *InMemoryStore) ListDueRetryOutboxEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	return s.listEvents(
		func(ev *models.OutboxEvent) bool {
			return ev.Status == models.OutboxStatusFailed &&
				ev.NextRetryAt != nil && !ev.NextRetryAt.After(now)
		},
		func(a, b *models.OutboxEvent) bool { return a.CreatedAt.Before(b.CreatedAt) },
		limit,
	), nil
}

func (s *InMemoryStore) ListStuckOutboxEvents(ctx context.Context, stuckBefore time.Time, limit int) ([]models.OutboxEvent, error) {
	return s.listEvents(
		func(ev *models.OutboxEvent) bool {
			return ev.Status == models.OutboxStatusProcessing &&
				ev.LastAttemptAt != nil && ev.LastAttemptAt.Before(stuckBefore)
		},
		func(a, b *models.OutboxEvent) bool { return a.LastAttemptAt.Before(*b.LastAttemptAt) },
		limit,
	), nil
}

func (s *InMemoryStore) DeleteTerminalOutboxEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, ev := range s.events {
		if ev.Status.IsTerminal() && ev.UpdatedAt.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryStore) CountOutboxEventsByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.OutboxStatus]int64)
	for _, ev := range s.events {
		counts[ev.Status]++
	}
	return counts, nil
}

func templateKey(tenantID, eventType string, channel models.Channel, locale string) string {
	return tenantID + "|" + eventType + "|" + string(channel) + "|" + locale
}

func (s *InMemoryStore) GetNotificationTemplate(ctx context.Context, tenantID, eventType string, channel models.Channel, locale string) (*models.NotificationTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateKey(tenantID, eventType, channel, locale)]
	if !ok || !t.IsActive {
		return nil, nil
	}
	dup := *t
	return &dup, nil
}

func (s *InMemoryStore) UpsertNotificationTemplate(ctx context.Context, t *models.NotificationTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *t
	s.templates[templateKey(t.TenantID, t.EventType, t.Channel, t.Locale)] = &dup
	return nil
}

func preferenceKey(p *models.CustomerNotificationPreference) string {
	return p.TenantID + "|" + p.CustomerID + "|" + p.EventType + "|" + string(p.Channel)
}

func (s *InMemoryStore) ListEnabledPreferences(ctx context.Context, tenantID, customerID, eventType string) ([]models.CustomerNotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prefs []models.CustomerNotificationPreference
	for _, p := range s.prefs {
		if p.TenantID == tenantID && p.CustomerID == customerID && p.EventType == eventType && p.Enabled {
			prefs = append(prefs, *p)
		}
	}
	sort.Slice(prefs, func(i, j int) bool {
		return prefs[i].Channel < prefs[j].Channel
	})
	return prefs, nil
}

func (s *InMemoryStore) UpsertPreference(ctx context.Context, p *models.CustomerNotificationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *p
	s.prefs[preferenceKey(p)] = &dup
	return nil
}
