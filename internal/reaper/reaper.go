// Package reaper evicts users whose liveness went stale and reclaims the
// slots held by abandoned or expired entry records.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/omegafrog/ticketon-queue/internal/repository"
)

// Result counts what one reap cycle released.
type Result struct {
	Evicted   int
	Reclaimed int
}

// Reaper runs the waiting and entry passes.
type Reaper struct {
	repo   *repository.QueueRepository
	window time.Duration
	batch  int64
	now    func() time.Time
}

// New constructs a Reaper with a staleness window and a per-page limit.
func New(repo *repository.QueueRepository, window time.Duration, batch int64) *Reaper {
	return &Reaper{repo: repo, window: window, batch: batch, now: time.Now}
}

// Run is Cycle adapted to job.Every.
func (r *Reaper) Run(ctx context.Context) error {
	res, err := r.Cycle(ctx)
	if res.Evicted > 0 || res.Reclaimed > 0 {
		slog.Info("reaped stale users", "evicted", res.Evicted, "reclaimed", res.Reclaimed)
	}
	return err
}

// Cycle runs one waiting pass and one entry pass.
func (r *Reaper) Cycle(ctx context.Context) (Result, error) {
	now := r.now()
	cutoff := now.Add(-r.window)

	var res Result
	evicted, err := r.waitingPass(ctx, cutoff, now)
	res.Evicted = evicted
	if err != nil {
		return res, err
	}
	reclaimed, err := r.entryPass(ctx, cutoff, now)
	res.Reclaimed = reclaimed
	return res, err
}

func (r *Reaper) waitingPass(ctx context.Context, cutoff, now time.Time) (int, error) {
	events, err := r.repo.ScanLivenessEvents(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, eventID := range events {
		users, err := r.repo.StaleWaiting(ctx, eventID, cutoff, r.batch)
		if err != nil {
			slog.Error("page stale waiting users failed", "event_id", eventID, "error", err)
			continue
		}
		for _, userID := range users {
			// Re-checked inside the script: a poll may have landed since the page was read.
			ok, err := r.repo.EvictStaleWaiting(ctx, eventID, userID, cutoff, now)
			if err != nil {
				slog.Error("evict waiting user failed", "event_id", eventID, "user_id", userID, "error", err)
				continue
			}
			if ok {
				slog.Debug("evicted stale waiting user", "event_id", eventID, "user_id", userID)
				n++
			}
		}
	}
	return n, nil
}

func (r *Reaper) entryPass(ctx context.Context, cutoff, now time.Time) (int, error) {
	users, err := r.repo.StaleEntries(ctx, cutoff, now, r.batch)
	if err != nil {
		return 0, err
	}
	var n int
	for _, userID := range users {
		refunded, err := r.repo.ReclaimStaleEntry(ctx, userID, cutoff, now)
		if err != nil {
			slog.Error("reclaim entry failed", "user_id", userID, "error", err)
			continue
		}
		if refunded {
			slog.Debug("reclaimed stale entry slot", "user_id", userID)
			n++
		}
	}
	return n, nil
}
