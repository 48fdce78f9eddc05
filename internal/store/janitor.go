package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the subset of Repository used by the janitor.
type Sweeper interface {
	DeleteEmptyConversations(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartJanitor runs a background goroutine that periodically removes
// conversations created by live sessions that ended before any turn completed.
func StartJanitor(ctx context.Context, repo Sweeper, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Janitor started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepEmptyConversations(ctx, repo, ttl, time.Now())
			case <-ctx.Done():
				slog.Info("Janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepEmptyConversations(ctx context.Context, repo Sweeper, ttl time.Duration, now time.Time) int64 {
	deleted, err := repo.DeleteEmptyConversations(ctx, now.Add(-ttl))
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Janitor sweep canceled", "error", err)
			return 0
		}
		slog.Error("Janitor failed to delete empty conversations", "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("Janitor removed empty conversations", "count", deleted)
	}
	return deleted
}
