package models

import (
	"errors"
	"fmt"
)

// Error codes for non-retryable configuration failures.
const (
	ConfigErrTemplateNotFound   = "TEMPLATE_NOT_FOUND"
	ConfigErrProviderNotFound   = "PROVIDER_NOT_REGISTERED"
	ConfigErrInvalidEventData   = "INVALID_EVENT_DATA"
	ConfigErrInvalidPreference  = "INVALID_PREFERENCE"
	ConfigErrUnsupportedChannel = "UNSUPPORTED_CHANNEL"
)

// ConfigError marks a delivery failure caused by configuration rather than a
// transient fault: a missing template, an unregistered provider, malformed
// event data. Retrying cannot fix these, so the processor routes them
// straight to DEAD_LETTER instead of the backoff path.
type ConfigError struct {
	Code    string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConfigError creates a ConfigError with a formatted message.
func NewConfigError(code, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
