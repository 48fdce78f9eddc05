package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig bounds a retry loop for SQLite write conflicts.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry retries three times with 50ms, 100ms, 200ms backoff.
var DefaultRetry = RetryConfig{Attempts: 3, BaseDelay: 50 * time.Millisecond}

// RetryOnConflict runs fn until it succeeds, returns a non-conflict error, or
// the attempts are exhausted. Backoff doubles after each conflict.
func RetryOnConflict(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	var err error
	for i := 0; i < cfg.Attempts; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == cfg.Attempts-1 {
			break
		}

		delay := cfg.BaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
