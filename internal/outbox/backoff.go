// Package outbox implements the transactional outbox: the event service
// with its state transitions and the scheduled processor that drives
// delivery through the notification orchestrator.
package outbox

import (
	"math"
	"time"
)

// Default backoff parameters. Attempt 1 retries after 1 minute, attempt 2
// after 5 minutes, attempt 3 after 25 minutes.
const (
	DefaultBackoffBase       = time.Minute
	DefaultBackoffMultiplier = 5.0
	DefaultBackoffCap        = 6 * time.Hour
)

// Backoff returns the delay before the next delivery attempt after the
// retryCount-th failure: base * multiplier^(retryCount-1), capped at max.
// It is a pure function so retry scheduling is testable without a store.
func Backoff(retryCount int, base time.Duration, multiplier float64, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(retryCount-1))
	if max > 0 && (delay > float64(max) || math.IsInf(delay, 1)) {
		return max
	}
	return time.Duration(delay)
}
