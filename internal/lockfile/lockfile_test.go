package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Errorf("lock file not created: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file not removed after release")
	}

	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Errorf("second release failed: %v", err)
	}
}

func TestAcquireCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("expected reacquire after release to succeed: %v", err)
	}
	again.Release()
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"pid=1234\n", 1234},
		{"pid=1234", 1234},
		{"garbage", 0},
		{"pid=", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := extractPIDFromLockInfo(tc.content); got != tc.want {
			t.Errorf("extractPIDFromLockInfo(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}

func TestLockErrorMessage(t *testing.T) {
	err := &LockError{LockPath: "/tmp/x.lock", ExistingInfo: "PID 42 (running)", Cause: errors.New("resource temporarily unavailable")}
	msg := err.Error()
	if msg == "" || err.Unwrap() == nil {
		t.Error("expected a descriptive message and a wrapped cause")
	}
}
