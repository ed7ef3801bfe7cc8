// Package job runs recurring background work on a fixed interval.
package job

import (
	"context"
	"log/slog"
	"time"
)

// Every calls fn once per interval until ctx is cancelled. A run that
// returns an error is logged and the schedule continues. Runs never overlap:
// a slow run delays the next tick instead of stacking.
func Every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("job started", "job", name, "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("job stopped", "job", name)
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.Error("job run failed", "job", name, "error", err)
			}
		}
	}
}
