package retry

import (
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestDoSucceedsAfterRetries(t *testing.T) {
	cfg := Config{Attempts: 3, Backoff: time.Millisecond}
	calls := 0
	err := Do(cfg, func(err error) bool { return err == errTransient }, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if calls != 3 {
		t.Fatal("unexpected number of calls:", calls)
	}
}

func TestDoAbortsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(DefaultConfig, func(err error) bool { return err == errTransient }, func() error {
		calls++
		return permanent
	})
	if err != permanent {
		t.Fatal("expected the permanent error, got:", err)
	}
	if calls != 1 {
		t.Fatal("permanent error must not be retried, calls:", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{Attempts: 3, Backoff: time.Millisecond}
	calls := 0
	err := Do(cfg, func(err error) bool { return true }, func() error {
		calls++
		return errTransient
	})
	if err != errTransient {
		t.Fatal("expected the last error, got:", err)
	}
	if calls != 3 {
		t.Fatal("unexpected number of calls:", calls)
	}
}

func TestDoZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	err := Do(Config{}, nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatal("expected exactly one call, got:", calls, err)
	}
}
