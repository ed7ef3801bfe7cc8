package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testOptions(name string) Options {
	return Options{
		Stream:        "s",
		Group:         "g",
		Consumer:      name,
		Block:         10 * time.Millisecond,
		Count:         10,
		MaxDeliveries: 3,
	}
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), "s", "g").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	return p.Count
}

func add(t *testing.T, rdb *redis.Client, v string) {
	t.Helper()
	if err := rdb.XAdd(context.Background(), &redis.XAddArgs{Stream: "s", Values: map[string]any{"v": v}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
}

func TestConsumer_Dispositions(t *testing.T) {
	ctx := context.Background()
	rdb := newTestClient(t)

	var seen []string
	c := NewConsumer(rdb, testOptions("c1"), func(_ context.Context, m Message) Disposition {
		seen = append(seen, m.Field("v"))
		switch m.Field("v") {
		case "retry":
			return Requeue
		case "bad":
			return Skip
		default:
			return Ack
		}
	})
	if err := c.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := c.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	add(t, rdb, "ok")
	add(t, rdb, "bad")
	add(t, rdb, "retry")

	n, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 3 {
		t.Fatalf("read %d, want 3", n)
	}
	if len(seen) != 3 || seen[0] != "ok" || seen[1] != "bad" || seen[2] != "retry" {
		t.Fatalf("seen = %v, want stream order", seen)
	}
	if got := pendingCount(t, rdb); got != 1 {
		t.Fatalf("pending = %d, want only the requeued message", got)
	}

	n, err = c.Poll(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second poll = %d, %v; want 0, nil", n, err)
	}
}

func TestConsumer_RecoverReplaysOwnPending(t *testing.T) {
	ctx := context.Background()
	rdb := newTestClient(t)

	calls := 0
	c := NewConsumer(rdb, testOptions("c1"), func(context.Context, Message) Disposition {
		calls++
		if calls == 1 {
			return Requeue
		}
		return Ack
	})
	if err := c.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	add(t, rdb, "x")

	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	handled, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if handled != 1 || calls != 2 {
		t.Fatalf("handled = %d calls = %d, want 1 and 2", handled, calls)
	}
	if got := pendingCount(t, rdb); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestConsumer_RecoverGivesUpAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	rdb := newTestClient(t)

	opts := testOptions("c1")
	opts.MaxDeliveries = 1
	calls := 0
	c := NewConsumer(rdb, opts, func(context.Context, Message) Disposition {
		calls++
		return Requeue
	})
	if err := c.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	add(t, rdb, "poison")

	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if got := pendingCount(t, rdb); got != 0 {
		t.Fatalf("pending = %d, want message acknowledged", got)
	}
}

func TestConsumer_ClaimsFromDeadPeer(t *testing.T) {
	ctx := context.Background()
	rdb := newTestClient(t)

	dead := NewConsumer(rdb, testOptions("dead"), func(context.Context, Message) Disposition {
		return Requeue
	})
	if err := dead.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	add(t, rdb, "orphan")
	if _, err := dead.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	var got []string
	live := NewConsumer(rdb, testOptions("live"), func(_ context.Context, m Message) Disposition {
		got = append(got, m.Field("v"))
		return Ack
	})
	handled, err := live.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if handled != 1 || len(got) != 1 || got[0] != "orphan" {
		t.Fatalf("handled = %d got = %v, want the orphaned message", handled, got)
	}
	if n := pendingCount(t, rdb); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	rdb := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	handled := make(chan string, 1)
	c := NewConsumer(rdb, testOptions("c1"), func(_ context.Context, m Message) Disposition {
		handled <- m.Field("v")
		return Ack
	})
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	add(t, rdb, "hello")
	select {
	case v := <-handled:
		if v != "hello" {
			t.Fatalf("handled %q, want hello", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not handled")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
