// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// ResetAfter restarts the backoff schedule when an attempt ran at
	// least this long before failing. A long-lived attempt means the
	// operation was healthy, so the next failure starts over at
	// InitialWait. Zero never resets.
	ResetAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// LinkConfig is the backoff schedule for redialing a dropped parent
// link: retry forever, doubling up to the ceiling.
func LinkConfig(maxWait time.Duration) Config {
	return Config{
		MaxAttempts: 0,
		InitialWait: time.Second,
		MaxWait:     maxWait,
		Multiplier:  2.0,
		Jitter:      0.2,
		ResetAfter:  30 * time.Second,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		start := time.Now()
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if cfg.ResetAfter > 0 && time.Since(start) >= cfg.ResetAfter {
			attempt = 1
		}

		// Exponential backoff with jitter
		wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
		if wait > float64(cfg.MaxWait) {
			wait = float64(cfg.MaxWait)
		}
		if cfg.Jitter > 0 {
			jitter := wait * cfg.Jitter * (rand.Float64()*2 - 1)
			wait += jitter
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(wait)):
		}
	}

	return lastErr
}
