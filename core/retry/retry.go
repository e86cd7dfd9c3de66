// Package retry implements a bounded retry loop with linear backoff.
//
// The loop only retries errors that the caller's classifier recognizes as
// transient. Any other error aborts immediately.
package retry

import (
	"time"
)

// Config bounds a retry loop.
type Config struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Backoff is the base sleep between tries. The n-th retry sleeps n*Backoff.
	Backoff time.Duration
}

// DefaultConfig matches the inbound ingestion path: three attempts with
// linear 50ms backoff.
var DefaultConfig = Config{Attempts: 3, Backoff: 50 * time.Millisecond}

// Do calls f until it succeeds, the error is not retriable, or the configured
// attempts are exhausted. The last error is returned.
func Do(cfg Config, retriable func(error) bool, f func() error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * cfg.Backoff)
		}
		err = f()
		if err == nil {
			return nil
		}
		if retriable == nil || !retriable(err) {
			return err
		}
	}
	return err
}
