package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omegafrog/ticketon-queue/internal/model"
	"github.com/omegafrog/ticketon-queue/internal/repository"
	"github.com/omegafrog/ticketon-queue/internal/worker"
)

func newRepo(t *testing.T) (*repository.QueueRepository, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return repository.NewQueueRepository(rdb), rdb
}

func seedAndJoin(t *testing.T, repo *repository.QueueRepository, eventID string, seats int, users ...string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.Seed(ctx, eventID, model.CatalogEvent{SeatCount: seats, Status: model.GateOpen}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, u := range users {
		if _, _, err := repo.Join(ctx, eventID, u, "inst-a", time.Now()); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}
}

func TestTick_PromotesInArrivalOrderUpToCapacity(t *testing.T) {
	ctx := context.Background()
	repo, rdb := newRepo(t)
	seedAndJoin(t, repo, "e1", 2, "U1", "U2", "U3", "U4", "U5")

	pool := worker.New(4, 8)
	defer pool.Close()
	p := NewPromoter(repo, pool, time.Minute)

	n, err := p.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("promoted = %d, want 2", n)
	}

	msgs, err := rdb.XRange(ctx, repository.EntryStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Values["userId"] != "U1" || msgs[1].Values["userId"] != "U2" {
		t.Fatalf("entry stream = %v, want U1 then U2", msgs)
	}

	ranks, err := repo.Ranks(ctx, "e1", []string{"U3", "U4", "U5"})
	if err != nil {
		t.Fatalf("ranks: %v", err)
	}
	for u, want := range map[string]int64{"U3": 1, "U4": 2, "U5": 3} {
		if ranks[u] != want {
			t.Errorf("rank %s = %d, want %d", u, ranks[u], want)
		}
	}

	// No free slots: the next tick promotes nobody.
	if n, err := p.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("second tick = %d, %v; want 0, nil", n, err)
	}
	if got := p.TakeThroughput(); got != 2 {
		t.Fatalf("throughput = %d, want 2", got)
	}
	if got := p.TakeThroughput(); got != 0 {
		t.Fatalf("throughput after reset = %d, want 0", got)
	}
}

func TestTick_NoWaitingEvents(t *testing.T) {
	repo, _ := newRepo(t)
	pool := worker.New(2, 2)
	defer pool.Close()

	n, err := NewPromoter(repo, pool, time.Minute).Tick(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("tick = %d, %v; want 0, nil", n, err)
	}
}

func TestTick_SaturatedPoolRunsOnCaller(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	for i := 0; i < 6; i++ {
		seedAndJoin(t, repo, fmt.Sprintf("e%d", i), 1, fmt.Sprintf("u%d", i))
	}

	// One busy worker and no queue: every drain task runs on the ticking goroutine.
	pool := worker.New(1, 0)
	defer pool.Close()
	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-release
	})
	<-started
	defer close(release)

	n, err := NewPromoter(repo, pool, time.Minute).Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 6 {
		t.Fatalf("promoted = %d, want 6", n)
	}
	if st := pool.Stats(); st.CallerRuns == 0 {
		t.Fatalf("stats = %+v, want caller runs", st)
	}
}

func TestTick_ClosedGateSkipsEvent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	seedAndJoin(t, repo, "open", 1, "a")
	seedAndJoin(t, repo, "shut", 1, "b")
	if err := repo.SetGate(ctx, "shut", "CLOSED"); err != nil {
		t.Fatalf("set gate: %v", err)
	}

	pool := worker.New(2, 2)
	defer pool.Close()
	n, err := NewPromoter(repo, pool, time.Minute).Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted = %d, want 1", n)
	}
	if size, _ := repo.WaitingSize(ctx, "shut"); size != 1 {
		t.Fatalf("closed event waiting size = %d, want 1", size)
	}
}
