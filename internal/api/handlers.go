// Package api provides HTTP handlers for the notifier endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/outbox"
	"github.com/cartloop/notifier/internal/store"
	"github.com/cartloop/notifier/internal/template"
)

// createEventRequest is the producer payload for a new outbox event.
type createEventRequest struct {
	TenantID      string            `json:"tenant_id"`
	EventType     string            `json:"event_type"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventData     json.RawMessage   `json:"event_data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.eventsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.eventsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.EventData) > 0 && !json.Valid(req.EventData) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("event_data must be valid JSON"))
		return
	}

	ev, err := s.svc.CreateEvent(r.Context(), req.TenantID, req.EventType, req.AggregateID, req.AggregateType, string(req.EventData), req.Metadata)
	if err != nil {
		slog.Warn("Server.eventsHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	slog.Info("Server.eventsHandler: event created", "id", ev.ID, "tenantID", ev.TenantID, "eventType", ev.EventType)
	writeJSONResponse(w, http.StatusCreated, models.Success(ev))
}

// eventHandler serves GET /events/{id} and POST /events/{id}/reset.
func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rest := strings.TrimPrefix(r.URL.Path, "/events/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Event id missing"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		ev, err := s.svc.GetEvent(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Event not found"))
				return
			}
			slog.Error("Server.eventHandler: get failed", "id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load event"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(ev))

	case action == "reset" && r.Method == http.MethodPost:
		err := s.svc.ResetForRetry(r.Context(), id)
		switch {
		case err == nil:
			slog.Info("Server.eventHandler: event reset for redelivery", "id", id)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Event reset for redelivery", nil))
		case errors.Is(err, store.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Event not found"))
		case errors.Is(err, outbox.ErrInvalidTransition):
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		default:
			slog.Error("Server.eventHandler: reset failed", "id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset event"))
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.templatesHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var tmpl models.NotificationTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		slog.Warn("Server.templatesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if tmpl.TenantID == "" || tmpl.EventType == "" || tmpl.Locale == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("tenant_id, event_type and locale are required"))
		return
	}
	if !models.IsValidChannel(tmpl.Channel) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidChannel.Error()))
		return
	}
	// Reject malformed placeholder syntax at authoring time rather than
	// dead-lettering deliveries later.
	if err := template.Validate(tmpl.Subject); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid subject template: "+err.Error()))
		return
	}
	if err := template.Validate(tmpl.Body); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid body template: "+err.Error()))
		return
	}

	if err := s.st.UpsertNotificationTemplate(r.Context(), &tmpl); err != nil {
		slog.Error("Server.templatesHandler: upsert failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store template"))
		return
	}
	slog.Info("Server.templatesHandler: template stored",
		"tenantID", tmpl.TenantID, "eventType", tmpl.EventType, "channel", tmpl.Channel, "locale", tmpl.Locale)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template stored", nil))
}

func (s *Server) preferencesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.preferencesHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var pref models.CustomerNotificationPreference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		slog.Warn("Server.preferencesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if pref.TenantID == "" || pref.CustomerID == "" || pref.EventType == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("tenant_id, customer_id and event_type are required"))
		return
	}
	if !models.IsValidChannel(pref.Channel) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidChannel.Error()))
		return
	}

	if err := s.st.UpsertPreference(r.Context(), &pref); err != nil {
		slog.Error("Server.preferencesHandler: upsert failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store preference"))
		return
	}
	slog.Info("Server.preferencesHandler: preference stored",
		"tenantID", pref.TenantID, "customerID", pref.CustomerID, "eventType", pref.EventType, "channel", pref.Channel)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Preference stored", nil))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.svc.GetStatistics(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: statistics failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load statistics"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	providers := make(map[string]bool)
	for _, name := range s.registry.Names() {
		providers[name] = s.registry.IsAvailable(name)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"providers": providers,
	}))
}
