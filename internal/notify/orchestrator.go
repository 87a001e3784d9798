// Package notify turns outbox events into channel deliveries. The
// orchestrator looks up which channels a customer has opted into, resolves
// the matching template per channel and locale, and hands the rendered
// message to the registered provider.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartloop/notifier/internal/channels"
	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/store"
	"github.com/cartloop/notifier/internal/template"
)

// Orchestrator fans one outbox event out to every enabled channel of the
// customer it concerns.
type Orchestrator struct {
	templates *template.Resolver
	prefs     store.PreferenceStore
	registry  *channels.Registry
}

// NewOrchestrator creates an orchestrator over the given template resolver,
// preference store and provider registry.
func NewOrchestrator(templates *template.Resolver, prefs store.PreferenceStore, registry *channels.Registry) *Orchestrator {
	return &Orchestrator{templates: templates, prefs: prefs, registry: registry}
}

// ProcessEvent delivers one outbox event to each channel the customer has
// enabled. The event's aggregate ID identifies the customer and its payload
// supplies the template variables.
//
// A configuration error (malformed payload, missing template, unregistered
// provider) aborts immediately; retrying cannot fix it. A transient provider
// failure on one channel does not stop delivery on the remaining channels,
// but the first such error is returned so the whole event is retried.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev *models.OutboxEvent) ([]models.ChannelResult, error) {
	slog.Debug("Orchestrator.ProcessEvent: processing event", "eventID", ev.ID, "tenantID", ev.TenantID, "eventType", ev.EventType)

	vars, err := decodeEventData(ev.EventData)
	if err != nil {
		return nil, err
	}

	prefs, err := o.prefs.ListEnabledPreferences(ctx, ev.TenantID, ev.AggregateID, ev.EventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences for customer %s: %w", ev.AggregateID, err)
	}
	if len(prefs) == 0 {
		// Nothing opted in. The event is complete, not failed.
		slog.Debug("Orchestrator.ProcessEvent: no enabled preferences", "eventID", ev.ID, "customerID", ev.AggregateID)
		return nil, nil
	}

	var results []models.ChannelResult
	var firstErr error
	for _, pref := range prefs {
		if !pref.Verified {
			slog.Debug("Orchestrator.ProcessEvent: skipping unverified preference", "eventID", ev.ID, "channel", pref.Channel)
			continue
		}
		if pref.ContactInfo == "" {
			slog.Debug("Orchestrator.ProcessEvent: skipping preference without contact info", "eventID", ev.ID, "channel", pref.Channel)
			continue
		}

		result, err := o.deliver(ctx, ev, pref, vars)
		if err != nil {
			if models.IsConfigError(err) {
				return append(results, result), err
			}
			slog.Error("Orchestrator.ProcessEvent: channel delivery failed", "eventID", ev.ID, "channel", pref.Channel, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		results = append(results, result)
	}
	return results, firstErr
}

// deliver renders and sends the event on one channel.
func (o *Orchestrator) deliver(ctx context.Context, ev *models.OutboxEvent, pref models.CustomerNotificationPreference, vars map[string]interface{}) (models.ChannelResult, error) {
	result := models.ChannelResult{
		Channel:   pref.Channel,
		Recipient: pref.ContactInfo,
		Timestamp: time.Now().UTC(),
	}

	if !models.IsValidChannel(pref.Channel) {
		err := models.NewConfigError(models.ConfigErrInvalidPreference,
			"preference for customer %s has invalid channel %q", pref.CustomerID, pref.Channel)
		result.ErrorMessage = err.Error()
		return result, err
	}

	tmpl, err := o.templates.FindTemplate(ctx, ev.TenantID, ev.EventType, pref.Channel, pref.Locale)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result, err
	}
	if tmpl == nil {
		err := models.NewConfigError(models.ConfigErrTemplateNotFound,
			"no template for tenant=%s event=%s channel=%s locale=%s", ev.TenantID, ev.EventType, pref.Channel, pref.Locale)
		result.ErrorMessage = err.Error()
		return result, err
	}

	subject := template.Render(tmpl.Subject, vars)
	body := template.Render(tmpl.Body, vars)

	provider, err := o.registry.Get(string(pref.Channel))
	if err != nil {
		cfgErr := models.NewConfigError(models.ConfigErrProviderNotFound,
			"no provider registered for channel %s", pref.Channel)
		result.ErrorMessage = cfgErr.Error()
		return result, cfgErr
	}
	if !providerSupports(provider, pref.Channel) {
		cfgErr := models.NewConfigError(models.ConfigErrUnsupportedChannel,
			"provider registered for %s does not deliver on that channel", pref.Channel)
		result.ErrorMessage = cfgErr.Error()
		return result, cfgErr
	}

	resp, err := provider.Send(ctx, models.SendRequest{
		TenantID: ev.TenantID,
		Channel:  pref.Channel,
		To:       pref.ContactInfo,
		Subject:  subject,
		Body:     body,
		Metadata: ev.Metadata,
	})
	if err != nil {
		result.ErrorMessage = err.Error()
		return result, err
	}

	result.Success = true
	if resp != nil {
		result.ProviderMessageID = resp.ProviderMessageID
	}
	slog.Debug("Orchestrator.deliver: delivered", "eventID", ev.ID, "channel", pref.Channel, "providerMessageID", result.ProviderMessageID)
	return result, nil
}

// providerSupports reports whether the provider declares the channel.
func providerSupports(p channels.Provider, ch models.Channel) bool {
	for _, c := range p.SupportedChannels() {
		if c == ch {
			return true
		}
	}
	return false
}

// ProcessBatch processes events sequentially, collecting per-event results.
// One failing event does not stop the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, events []*models.OutboxEvent) map[string][]models.ChannelResult {
	results := make(map[string][]models.ChannelResult, len(events))
	for _, ev := range events {
		res, err := o.ProcessEvent(ctx, ev)
		if err != nil {
			slog.Error("Orchestrator.ProcessBatch: event failed", "eventID", ev.ID, "error", err)
		}
		results[ev.ID] = res
	}
	return results
}

// decodeEventData parses the JSON payload into template variables. A payload
// that does not parse can never succeed, so it is a configuration error.
func decodeEventData(data string) (map[string]interface{}, error) {
	if data == "" {
		return map[string]interface{}{}, nil
	}
	var vars map[string]interface{}
	if err := json.Unmarshal([]byte(data), &vars); err != nil {
		return nil, models.NewConfigError(models.ConfigErrInvalidEventData, "event data is not a JSON object: %v", err)
	}
	return vars, nil
}
