package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/cartloop/notifier/internal/channels"
	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/store"
	"github.com/cartloop/notifier/internal/template"
)

// fakeProvider records sends and returns a scripted outcome.
type fakeProvider struct {
	channel  models.Channel
	err      error
	requests []models.SendRequest
}

func (f *fakeProvider) Send(ctx context.Context, req models.SendRequest) (*models.SendResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &models.SendResponse{ProviderMessageID: "msg-" + string(f.channel)}, nil
}

func (f *fakeProvider) SupportedChannels() []models.Channel {
	return []models.Channel{f.channel}
}

func (f *fakeProvider) IsAvailable() bool { return true }

type fixture struct {
	st       *store.InMemoryStore
	orch     *Orchestrator
	email    *fakeProvider
	sms      *fakeProvider
	registry *channels.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	registry := channels.NewRegistry()
	email := &fakeProvider{channel: models.ChannelEmail}
	sms := &fakeProvider{channel: models.ChannelSMS}
	registry.Register(string(models.ChannelEmail), email)
	registry.Register(string(models.ChannelSMS), sms)
	resolver := template.NewResolver(st)
	return &fixture{
		st:       st,
		orch:     NewOrchestrator(resolver, st, registry),
		email:    email,
		sms:      sms,
		registry: registry,
	}
}

func (f *fixture) seedTemplate(t *testing.T, channel models.Channel, locale string) {
	t.Helper()
	err := f.st.UpsertNotificationTemplate(context.Background(), &models.NotificationTemplate{
		TenantID:  "tenant-1",
		EventType: "order.shipped",
		Channel:   channel,
		Locale:    locale,
		Subject:   "Order {{order.id}} shipped",
		Body:      "Hi {{customer.name}}, your order is on its way.",
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) seedPreference(t *testing.T, channel models.Channel, contact string, verified bool) {
	t.Helper()
	err := f.st.UpsertPreference(context.Background(), &models.CustomerNotificationPreference{
		TenantID:    "tenant-1",
		CustomerID:  "cust-1",
		EventType:   "order.shipped",
		Channel:     channel,
		Enabled:     true,
		Locale:      "en",
		ContactInfo: contact,
		Verified:    verified,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func testEvent() *models.OutboxEvent {
	return models.NewOutboxEvent("tenant-1", "order.shipped", "cust-1", "customer",
		`{"order":{"id":"o-42"},"customer":{"name":"Ada"}}`, nil)
}

func TestProcessEventFansOutToEnabledChannels(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, models.ChannelEmail, "en")
	f.seedTemplate(t, models.ChannelSMS, "en")
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", true)
	f.seedPreference(t, models.ChannelSMS, "+15550001111", true)

	results, err := f.orch.ProcessEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 channel results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("channel %s failed: %s", r.Channel, r.ErrorMessage)
		}
	}
	if len(f.email.requests) != 1 || len(f.sms.requests) != 1 {
		t.Fatalf("expected one send per channel, got email=%d sms=%d", len(f.email.requests), len(f.sms.requests))
	}
	if f.email.requests[0].Subject != "Order o-42 shipped" {
		t.Errorf("subject not rendered: %q", f.email.requests[0].Subject)
	}
	if f.email.requests[0].Body != "Hi Ada, your order is on its way." {
		t.Errorf("body not rendered: %q", f.email.requests[0].Body)
	}
	if f.email.requests[0].To != "ada@example.com" {
		t.Errorf("wrong recipient: %q", f.email.requests[0].To)
	}
}

func TestProcessEventNoPreferencesSucceeds(t *testing.T) {
	f := newFixture(t)
	results, err := f.orch.ProcessEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("expected success with no preferences, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestProcessEventSkipsUnverifiedAndContactlessPreferences(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, models.ChannelEmail, "en")
	f.seedTemplate(t, models.ChannelSMS, "en")
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", false)
	f.seedPreference(t, models.ChannelSMS, "", true)

	results, err := f.orch.ProcessEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected skipped preferences to produce no results, got %d", len(results))
	}
	if len(f.email.requests) != 0 || len(f.sms.requests) != 0 {
		t.Error("expected no provider sends")
	}
}

func TestProcessEventMissingTemplateIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", true)

	_, err := f.orch.ProcessEvent(context.Background(), testEvent())
	if !models.IsConfigError(err) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != models.ConfigErrTemplateNotFound {
		t.Errorf("expected %s, got %v", models.ConfigErrTemplateNotFound, err)
	}
}

func TestProcessEventMissingProviderIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, models.ChannelWhatsApp, "en")
	f.seedPreference(t, models.ChannelWhatsApp, "15550001111", true)

	_, err := f.orch.ProcessEvent(context.Background(), testEvent())
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != models.ConfigErrProviderNotFound {
		t.Fatalf("expected %s, got %v", models.ConfigErrProviderNotFound, err)
	}
}

func TestProcessEventConfigErrorResultRecordsFailingChannel(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, models.ChannelEmail, "en")
	f.seedTemplate(t, models.ChannelWhatsApp, "en")
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", true)
	f.seedPreference(t, models.ChannelWhatsApp, "15550001111", true)

	results, err := f.orch.ProcessEvent(context.Background(), testEvent())
	if !models.IsConfigError(err) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
	// The aggregated results must include the channel that caused the
	// dead-letter, not just the ones delivered before it.
	if len(results) != 2 {
		t.Fatalf("expected results for both attempted channels, got %d", len(results))
	}
	last := results[len(results)-1]
	if last.Channel != models.ChannelWhatsApp || last.Success {
		t.Errorf("expected a failed WhatsApp result, got %+v", last)
	}
	if last.ErrorMessage == "" {
		t.Error("expected the failing result to carry the error message")
	}
}

func TestProcessEventInvalidPreferenceChannelIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.seedPreference(t, models.Channel("PIGEON"), "ada@example.com", true)

	results, err := f.orch.ProcessEvent(context.Background(), testEvent())
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != models.ConfigErrInvalidPreference {
		t.Fatalf("expected %s, got %v", models.ConfigErrInvalidPreference, err)
	}
	if len(results) != 1 || results[0].Success {
		t.Errorf("expected one failed result, got %+v", results)
	}
}

func TestProcessEventProviderWithoutChannelSupportIsConfigError(t *testing.T) {
	f := newFixture(t)
	// A provider registered under the SMS name that only declares email.
	f.registry.Register(string(models.ChannelSMS), &fakeProvider{channel: models.ChannelEmail})
	f.seedTemplate(t, models.ChannelSMS, "en")
	f.seedPreference(t, models.ChannelSMS, "+15550001111", true)

	_, err := f.orch.ProcessEvent(context.Background(), testEvent())
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != models.ConfigErrUnsupportedChannel {
		t.Fatalf("expected %s, got %v", models.ConfigErrUnsupportedChannel, err)
	}
}

func TestProcessEventMalformedPayloadIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", true)

	ev := testEvent()
	ev.EventData = "{not json"
	_, err := f.orch.ProcessEvent(context.Background(), ev)
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Code != models.ConfigErrInvalidEventData {
		t.Fatalf("expected %s, got %v", models.ConfigErrInvalidEventData, err)
	}
}

func TestProcessEventTransientFailureContinuesRemainingChannels(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, models.ChannelEmail, "en")
	f.seedTemplate(t, models.ChannelSMS, "en")
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", true)
	f.seedPreference(t, models.ChannelSMS, "+15550001111", true)
	f.email.err = errors.New("smtp connection refused")

	results, err := f.orch.ProcessEvent(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected the transient error to propagate")
	}
	if models.IsConfigError(err) {
		t.Fatal("transient provider failure must not be a configuration error")
	}
	if len(results) != 2 {
		t.Fatalf("expected both channels attempted, got %d results", len(results))
	}
	if len(f.sms.requests) != 1 {
		t.Error("expected SMS delivery to proceed despite email failure")
	}

	var failed, succeeded int
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Errorf("expected one failure and one success, got failed=%d succeeded=%d", failed, succeeded)
	}
}

func TestProcessEventEmptyPayloadRenders(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, models.ChannelEmail, "en")
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", true)

	ev := testEvent()
	ev.EventData = ""
	results, err := f.orch.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one successful result, got %+v", results)
	}
	// Placeholders render empty when the payload carries no variables.
	if f.email.requests[0].Subject != "Order  shipped" {
		t.Errorf("unexpected subject: %q", f.email.requests[0].Subject)
	}
}

func TestProcessBatchCollectsPerEventResults(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, models.ChannelEmail, "en")
	f.seedPreference(t, models.ChannelEmail, "ada@example.com", true)

	good := testEvent()
	bad := testEvent()
	bad.EventData = "{not json"

	results := f.orch.ProcessBatch(context.Background(), []*models.OutboxEvent{good, bad})
	if len(results) != 2 {
		t.Fatalf("expected results for both events, got %d", len(results))
	}
	if len(results[good.ID]) != 1 || !results[good.ID][0].Success {
		t.Errorf("expected the good event to deliver, got %+v", results[good.ID])
	}
	if len(results[bad.ID]) != 0 {
		t.Errorf("expected the bad event to produce no results, got %+v", results[bad.ID])
	}
}
