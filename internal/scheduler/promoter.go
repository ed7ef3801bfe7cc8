// Package scheduler runs the periodic promotion of waiting users into the
// entry queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omegafrog/ticketon-queue/internal/repository"
	"github.com/omegafrog/ticketon-queue/internal/worker"
)

// Promoter promotes waiting users for every event with a non-empty line.
type Promoter struct {
	repo        *repository.QueueRepository
	pool        *worker.Pool
	worklistTTL time.Duration

	promoted atomic.Int64
}

// NewPromoter constructs a Promoter that fans work out over pool.
func NewPromoter(repo *repository.QueueRepository, pool *worker.Pool, worklistTTL time.Duration) *Promoter {
	return &Promoter{repo: repo, pool: pool, worklistTTL: worklistTTL}
}

// Tick runs one promotion round and returns how many users were promoted.
// Event ids are staged on a shared list and drained by up to one task per
// pool worker; the tick returns once its own tasks finish.
func (p *Promoter) Tick(ctx context.Context) (int64, error) {
	events, err := p.repo.ScanWaitingEvents(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	key, err := p.repo.StageWorklist(ctx, uuid.NewString(), events, p.worklistTTL)
	if err != nil {
		return 0, err
	}

	tasks := min(len(events), p.pool.Stats().Workers)
	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		p.pool.Submit(func() {
			defer wg.Done()
			total.Add(p.drain(ctx, key))
		})
	}
	wg.Wait()

	n := total.Load()
	p.promoted.Add(n)
	return n, nil
}

// Run is Tick adapted to job.Every.
func (p *Promoter) Run(ctx context.Context) error {
	_, err := p.Tick(ctx)
	return err
}

func (p *Promoter) drain(ctx context.Context, key string) int64 {
	var n int64
	for ctx.Err() == nil {
		eventID, ok, err := p.repo.PopWorklist(ctx, key)
		if err != nil {
			slog.Error("pop worklist failed", "worklist", key, "error", err)
			return n
		}
		if !ok {
			return n
		}
		promoted, err := p.repo.Promote(ctx, eventID, time.Now())
		if err != nil {
			slog.Error("promote failed", "event_id", eventID, "error", err)
			continue
		}
		if promoted > 0 {
			slog.Debug("promoted users", "event_id", eventID, "count", promoted)
		}
		n += promoted
	}
	return n
}

// TakeThroughput returns and resets the number of users promoted since the
// last call.
func (p *Promoter) TakeThroughput() int64 {
	return p.promoted.Swap(0)
}

// LogThroughput logs and resets the throughput counter. Meant to run once
// per second.
func (p *Promoter) LogThroughput(_ context.Context) error {
	if n := p.TakeThroughput(); n > 0 {
		slog.Info("promotion throughput", "promoted_per_sec", n)
	}
	return nil
}

// String describes the promoter's pool for startup logs.
func (p *Promoter) String() string {
	st := p.pool.Stats()
	return fmt.Sprintf("promoter(workers=%d, queue=%d)", st.Workers, st.QueueCap)
}
