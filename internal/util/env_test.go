package util

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("NOTIFIER_TEST_STR", "value")
	if got := GetEnv("NOTIFIER_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected set value, got %q", got)
	}
	if got := GetEnv("NOTIFIER_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		val  string
		def  bool
		want bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"No", true, false},
		{"off", true, false},
		{" true ", false, true},
		{"maybe", true, true},
		{"maybe", false, false},
		{"", true, true},
	}
	for _, tc := range cases {
		t.Setenv("NOTIFIER_TEST_BOOL", tc.val)
		if got := ParseBoolEnv("NOTIFIER_TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.val, tc.def, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("NOTIFIER_TEST_INT", "42")
	if got := ParseIntEnv("NOTIFIER_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("NOTIFIER_TEST_INT", "not-a-number")
	if got := ParseIntEnv("NOTIFIER_TEST_INT", 7); got != 7 {
		t.Errorf("expected default on invalid value, got %d", got)
	}
	t.Setenv("NOTIFIER_TEST_INT", "")
	if got := ParseIntEnv("NOTIFIER_TEST_INT", 7); got != 7 {
		t.Errorf("expected default on unset, got %d", got)
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("NOTIFIER_TEST_FLOAT", "2.5")
	if got := ParseFloatEnv("NOTIFIER_TEST_FLOAT", 1.0); got != 2.5 {
		t.Errorf("expected 2.5, got %v", got)
	}
	t.Setenv("NOTIFIER_TEST_FLOAT", "nope")
	if got := ParseFloatEnv("NOTIFIER_TEST_FLOAT", 1.0); got != 1.0 {
		t.Errorf("expected default on invalid value, got %v", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("NOTIFIER_TEST_DUR", "90s")
	if got := ParseDurationEnv("NOTIFIER_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("NOTIFIER_TEST_DUR", "90")
	if got := ParseDurationEnv("NOTIFIER_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default on unitless value, got %v", got)
	}
	t.Setenv("NOTIFIER_TEST_DUR", "")
	if got := ParseDurationEnv("NOTIFIER_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default on unset, got %v", got)
	}
}
