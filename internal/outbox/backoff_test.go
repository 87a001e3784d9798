package outbox

import (
	"testing"
	"time"
)

func TestBackoffFirstRetryIsBase(t *testing.T) {
	d := Backoff(1, time.Minute, 5.0, 6*time.Hour)
	if d != time.Minute {
		t.Errorf("expected base delay for first retry, got %v", d)
	}
}

func TestBackoffGrowsExponentially(t *testing.T) {
	base := time.Minute
	d2 := Backoff(2, base, 5.0, 6*time.Hour)
	if d2 != 5*time.Minute {
		t.Errorf("expected 5m for second retry, got %v", d2)
	}
	d3 := Backoff(3, base, 5.0, 6*time.Hour)
	if d3 != 25*time.Minute {
		t.Errorf("expected 25m for third retry, got %v", d3)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	d := Backoff(10, time.Minute, 5.0, 6*time.Hour)
	if d != 6*time.Hour {
		t.Errorf("expected cap of 6h, got %v", d)
	}
}

func TestBackoffClampsBadInputs(t *testing.T) {
	// Retry counts below one behave like the first retry.
	if d := Backoff(0, time.Minute, 5.0, time.Hour); d != time.Minute {
		t.Errorf("expected base for retryCount=0, got %v", d)
	}
	if d := Backoff(-3, time.Minute, 5.0, time.Hour); d != time.Minute {
		t.Errorf("expected base for negative retryCount, got %v", d)
	}
	// A multiplier below one would shrink the delay; it is clamped to one.
	if d := Backoff(4, time.Minute, 0.5, time.Hour); d != time.Minute {
		t.Errorf("expected base with clamped multiplier, got %v", d)
	}
}

func TestBackoffIsDeterministic(t *testing.T) {
	a := Backoff(3, 30*time.Second, 2.0, time.Hour)
	b := Backoff(3, 30*time.Second, 2.0, time.Hour)
	if a != b {
		t.Errorf("same inputs produced different delays: %v vs %v", a, b)
	}
}
