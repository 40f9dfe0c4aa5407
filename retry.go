package drivekit

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration for transient backend errors.
// Only idempotent calls (stat, list, read) are ever retried, and only on
// ErrUnavailable; writes, deletes, and renames surface ErrUnavailable to
// the caller unretried.
type RetryConfig struct {
	MaxAttempts int           // Maximum number of attempts
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// retryIdempotent executes fn, retrying with exponential backoff and
// jitter while fn fails with ErrUnavailable.
func retryIdempotent[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		lastErr = err

		if !IsUnavailable(err) {
			return zero, err
		}

		if ctx.Err() != nil {
			return zero, normalizeCtxErr(ctx.Err())
		}
		if attempt == attempts {
			break
		}

		wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
		if wait > float64(cfg.MaxWait) {
			wait = float64(cfg.MaxWait)
		}
		if cfg.Jitter > 0 {
			wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
		}

		select {
		case <-ctx.Done():
			return zero, normalizeCtxErr(ctx.Err())
		case <-time.After(time.Duration(wait)):
		}
	}

	return zero, lastErr
}
