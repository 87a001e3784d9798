package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cartloop/notifier/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// DetectDSNType guesses the database driver from a connection string.
// Returns "postgres" for URL-style Postgres DSNs and key=value DSNs,
// "sqlite3" for everything else (file paths, file: URIs, :memory:).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// encodeMetadata serializes an event metadata map for storage. Empty maps
// are stored as NULL.
func encodeMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata failed: %w", err)
	}
	return string(b), nil
}

// decodeMetadata deserializes the stored metadata column.
func decodeMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata failed: %w", err)
	}
	return m, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// outboxEventColumns is the column list every outbox SELECT uses, in scan order.
const outboxEventColumns = `id, tenant_id, event_type, aggregate_id, aggregate_type, event_data,
	status, retry_count, max_retries, next_retry_at, error_message, error_stack_trace,
	metadata, created_at, updated_at, processed_at, last_attempt_at, processing_instance_id, version`

// scanOutboxEvent scans one outbox event row.
func scanOutboxEvent(row rowScanner) (models.OutboxEvent, error) {
	var ev models.OutboxEvent
	var errMsg, errStack, instanceID, metadata sql.NullString
	var nextRetryAt, processedAt, lastAttemptAt sql.NullTime
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.EventType, &ev.AggregateID, &ev.AggregateType, &ev.EventData,
		&ev.Status, &ev.RetryCount, &ev.MaxRetries, &nextRetryAt, &errMsg, &errStack,
		&metadata, &ev.CreatedAt, &ev.UpdatedAt, &processedAt, &lastAttemptAt, &instanceID, &ev.Version,
	)
	if err != nil {
		return ev, fmt.Errorf("scan outbox event failed: %w", err)
	}
	ev.ErrorMessage = errMsg.String
	ev.ErrorStackTrace = errStack.String
	ev.ProcessingInstanceID = instanceID.String
	if nextRetryAt.Valid {
		ev.NextRetryAt = &nextRetryAt.Time
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	if lastAttemptAt.Valid {
		ev.LastAttemptAt = &lastAttemptAt.Time
	}
	m, err := decodeMetadata(metadata)
	if err != nil {
		return ev, err
	}
	ev.Metadata = m
	return ev, nil
}

// scanOutboxEvents drains a result set of outbox event rows.
func scanOutboxEvents(rows *sql.Rows) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox event rows failed: %w", err)
	}
	return events, nil
}
