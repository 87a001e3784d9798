// Package models defines the core data structures for the notification outbox pipeline.
//
// It includes the durable outbox event record, notification templates, customer
// delivery preferences, and the request/response types exchanged with channel providers.
package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the lifecycle state of an outbox event.
type OutboxStatus string

const (
	// OutboxStatusPending means the event is waiting for its first delivery attempt.
	OutboxStatusPending OutboxStatus = "PENDING"
	// OutboxStatusProcessing means a worker instance has claimed the event.
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	// OutboxStatusCompleted means every selected channel delivered successfully.
	OutboxStatusCompleted OutboxStatus = "COMPLETED"
	// OutboxStatusFailed means the last attempt failed and a retry is scheduled.
	OutboxStatusFailed OutboxStatus = "FAILED"
	// OutboxStatusDeadLetter means the retry budget is exhausted; manual reset required.
	OutboxStatusDeadLetter OutboxStatus = "DEAD_LETTER"
)

// IsTerminal reports whether the status is one the processor never leaves automatically.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusCompleted || s == OutboxStatusDeadLetter
}

// Channel identifies a delivery channel for notifications.
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

// Error variables for better error handling and testability
var (
	ErrEmptyTenantID  = errors.New("tenant id cannot be empty")
	ErrEmptyEventType = errors.New("event type cannot be empty")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
	ErrInvalidChannel = errors.New("invalid channel")
)

// DefaultMaxRetries is the retry budget applied to new outbox events unless
// the producer asks for something else.
const DefaultMaxRetries = 3

// OutboxEvent is one durable record per domain event awaiting delivery.
//
// The Version field is the sole concurrency primitive: every write is a
// compare-and-set on it, so two processor instances can never own the same
// record at once.
type OutboxEvent struct {
	ID                   string            `json:"id"`
	TenantID             string            `json:"tenant_id"`
	EventType            string            `json:"event_type"`
	AggregateID          string            `json:"aggregate_id"`
	AggregateType        string            `json:"aggregate_type"`
	EventData            string            `json:"event_data"`
	Status               OutboxStatus      `json:"status"`
	RetryCount           int               `json:"retry_count"`
	MaxRetries           int               `json:"max_retries"`
	NextRetryAt          *time.Time        `json:"next_retry_at,omitempty"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	ErrorStackTrace      string            `json:"error_stack_trace,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	ProcessedAt          *time.Time        `json:"processed_at,omitempty"`
	LastAttemptAt        *time.Time        `json:"last_attempt_at,omitempty"`
	ProcessingInstanceID string            `json:"processing_instance_id,omitempty"`
	Version              int64             `json:"version"`
}

// NewOutboxEvent creates a PENDING outbox event with a fresh id and zero retries.
func NewOutboxEvent(tenantID, eventType, aggregateID, aggregateType, eventData string, metadata map[string]string) *OutboxEvent {
	now := time.Now().UTC()
	return &OutboxEvent{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventData:     eventData,
		Status:        OutboxStatusPending,
		RetryCount:    0,
		MaxRetries:    DefaultMaxRetries,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       0,
	}
}

// Validate checks the fields producers must always supply.
func (e *OutboxEvent) Validate() error {
	if e.TenantID == "" {
		return ErrEmptyTenantID
	}
	if e.EventType == "" {
		return ErrEmptyEventType
	}
	return nil
}

// NotificationTemplate holds the localized message body for one
// (tenant, event type, channel, locale) combination. Subject is only
// meaningful for channels that carry one (email).
type NotificationTemplate struct {
	TenantID  string  `json:"tenant_id"`
	EventType string  `json:"event_type"`
	Channel   Channel `json:"channel"`
	Locale    string  `json:"locale"`
	Subject   string  `json:"subject,omitempty"`
	Body      string  `json:"body"`
	IsActive  bool    `json:"is_active"`
}

// CustomerNotificationPreference records whether a customer wants a given
// event type on a given channel, and where to deliver it. It is read-only
// input to the pipeline; ownership lives elsewhere in the platform.
type CustomerNotificationPreference struct {
	TenantID    string  `json:"tenant_id"`
	CustomerID  string  `json:"customer_id"`
	EventType   string  `json:"event_type"`
	Channel     Channel `json:"channel"`
	Enabled     bool    `json:"enabled"`
	Locale      string  `json:"locale"`
	ContactInfo string  `json:"contact_info"`
	Verified    bool    `json:"verified"`
}

// SendRequest is a rendered message handed to a channel provider.
type SendRequest struct {
	TenantID string            `json:"tenant_id"`
	Channel  Channel           `json:"channel"`
	To       string            `json:"to"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SendResponse is what a provider reports back on success.
type SendResponse struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// ChannelResult is the per-channel outcome of one delivery attempt.
type ChannelResult struct {
	Channel           Channel   `json:"channel"`
	Recipient         string    `json:"recipient"`
	Success           bool      `json:"success"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
