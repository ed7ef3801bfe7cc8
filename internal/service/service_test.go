package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/omegafrog/ticketon-queue/internal/catalog"
	"github.com/omegafrog/ticketon-queue/internal/credential"
	"github.com/omegafrog/ticketon-queue/internal/model"
	"github.com/omegafrog/ticketon-queue/internal/repository"
)

type fakeCatalog struct {
	events map[string]model.CatalogEvent
	err    error
	calls  int
}

func (c *fakeCatalog) Lookup(_ context.Context, eventID string) (model.CatalogEvent, error) {
	c.calls++
	if c.err != nil {
		return model.CatalogEvent{}, c.err
	}
	ev, ok := c.events[eventID]
	if !ok {
		return model.CatalogEvent{}, catalog.ErrNotFound
	}
	return ev, nil
}

type fakeConns struct{ disconnected []string }

func (f *fakeConns) Disconnect(_ context.Context, userID string) {
	f.disconnected = append(f.disconnected, userID)
}

type fixture struct {
	svc   *QueueService
	repo  *repository.QueueRepository
	cat   *fakeCatalog
	conns *fakeConns
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := repository.NewQueueRepository(rdb)
	cat := &fakeCatalog{events: map[string]model.CatalogEvent{
		"e1": {SeatCount: 2, Status: "open"},
		"e2": {SeatCount: 1, Status: "OPEN"},
	}}
	conns := &fakeConns{}
	svc := NewQueueService(repo, cat, credential.NewIssuer([]byte("secret"), 5*time.Minute), "inst-a", conns)
	return &fixture{svc: svc, repo: repo, cat: cat, conns: conns, mr: mr}
}

func ptr(n int64) *int64 { return &n }

func TestPollDelay(t *testing.T) {
	open := func(free *int64, size int64) *model.GateContext {
		return &model.GateContext{GateStatus: model.GateOpen, FreeSlots: free, WaitingSize: size}
	}
	cases := []struct {
		name string
		rank *int64
		gc   *model.GateContext
		want time.Duration
	}{
		{name: "unknown rank", rank: nil, want: 5 * time.Second},
		{name: "front", rank: ptr(0), want: time.Second},
		{name: "rank 10", rank: ptr(10), want: time.Second},
		{name: "rank 11", rank: ptr(11), want: 3 * time.Second},
		{name: "rank 100 ignores gate", rank: ptr(100), gc: &model.GateContext{GateStatus: "CLOSED"}, want: 3 * time.Second},
		{name: "rank 101 quiet", rank: ptr(101), gc: open(ptr(5), 10), want: 5 * time.Second},
		{name: "size 999", rank: ptr(500), gc: open(ptr(5), 999), want: 5 * time.Second},
		{name: "size 1000", rank: ptr(500), gc: open(ptr(5), 1000), want: 7 * time.Second},
		{name: "size 4999", rank: ptr(500), gc: open(ptr(5), 4999), want: 7 * time.Second},
		{name: "size 5000", rank: ptr(500), gc: open(ptr(5), 5000), want: 10 * time.Second},
		{name: "no free slots", rank: ptr(500), gc: open(ptr(0), 10), want: 8 * time.Second},
		{name: "no free slots busy", rank: ptr(500), gc: open(ptr(0), 1000), want: 8 * time.Second},
		{name: "no free slots crowded", rank: ptr(500), gc: open(ptr(0), 5000), want: 10 * time.Second},
		{name: "gate closed", rank: ptr(500), gc: &model.GateContext{GateStatus: "CLOSED", FreeSlots: ptr(5)}, want: 30 * time.Second},
		{name: "free slots unknown", rank: ptr(500), gc: open(nil, 10), want: 5 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PollDelay(tc.rank, tc.gc); got != tc.want {
				t.Fatalf("PollDelay = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestJoin_SeedsFromCatalogOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.svc.Join(ctx, "e1", "u1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	r2, err := f.svc.Join(ctx, "e1", "u2")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if r2.Position <= r1.Position {
		t.Fatalf("positions %d then %d, want increasing", r1.Position, r2.Position)
	}
	if f.cat.calls != 1 {
		t.Fatalf("catalog calls = %d, want 1", f.cat.calls)
	}

	c, err := f.repo.Capacity(ctx, "e1")
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if c.SlotsRemaining != 2 || c.Capacity != 2 || c.GateStatus != model.GateOpen {
		t.Fatalf("capacity = %+v, want 2 open slots", c)
	}

	again, err := f.svc.Join(ctx, "e1", "u1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !again.Rejoined || again.Position != r1.Position {
		t.Fatalf("rejoin = %+v, want same position %d", again, r1.Position)
	}
}

func TestJoin_CatalogFailureLeavesNoState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cat.err = catalog.ErrUnavailable

	_, err := f.svc.Join(ctx, "e1", "u1")
	if !errors.Is(err, catalog.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if keys := f.mr.Keys(); len(keys) != 0 {
		t.Fatalf("keys after failed join = %v, want none", keys)
	}

	f.cat.err = nil
	_, err = f.svc.Join(ctx, "missing", "u1")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestJoin_Conflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Join(ctx, "e1", "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.svc.Join(ctx, "e2", "u1"); !errors.Is(err, repository.ErrOtherEvent) {
		t.Fatalf("err = %v, want ErrOtherEvent", err)
	}
	if _, err := f.svc.Join(ctx, "", "u1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}

	if err := f.svc.SetGate(ctx, "e2", model.UpdateGateRequest{Status: "closed"}); err != nil {
		t.Fatalf("set gate: %v", err)
	}
	if _, err := f.svc.Join(ctx, "e2", "u2"); !errors.Is(err, repository.ErrGateClosed) {
		t.Fatalf("err = %v, want ErrGateClosed", err)
	}
}

func TestStatus_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.svc.Status(ctx, "e1", "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StateNone || st.PollAfterMs != 5000 {
		t.Fatalf("status = %+v, want NONE after 5s", st)
	}

	for _, u := range []string{"u1", "u2", "u3"} {
		if _, err := f.svc.Join(ctx, "e1", u); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	st, err = f.svc.Status(ctx, "e1", "u3")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StateWaiting || st.Rank == nil || *st.Rank != 3 || st.PollAfterMs != 1000 {
		t.Fatalf("status = %+v, want WAITING rank 3", st)
	}

	if _, err := f.repo.Promote(ctx, "e1", time.Now()); err != nil {
		t.Fatalf("promote: %v", err)
	}
	st, err = f.svc.Status(ctx, "e1", "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StateWaiting || st.Rank == nil || *st.Rank != 0 {
		t.Fatalf("status = %+v, want WAITING rank 0 before the token lands", st)
	}

	if _, _, err := f.repo.IssueToken(ctx, model.EntryCredential{
		UserID: "u1", EventID: "e1", Token: "tok", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	st, err = f.svc.Status(ctx, "e1", "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StateEntry || st.EntryToken != "tok" || st.PollAfterMs != 1000 {
		t.Fatalf("status = %+v, want ENTRY with token", st)
	}

	st, err = f.svc.Status(ctx, "e1", "u3")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Rank == nil || *st.Rank != 1 {
		t.Fatalf("u3 status = %+v, want rank 1", st)
	}
}

func TestStatus_FarBackUsesGateContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cat.events["big"] = model.CatalogEvent{SeatCount: 0, Status: model.GateOpen}

	for i := 0; i < 102; i++ {
		if _, err := f.svc.Join(ctx, "big", fmt.Sprintf("user-%03d", i)); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	st, err := f.svc.Status(ctx, "big", "user-101")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Rank == nil || *st.Rank != 102 {
		t.Fatalf("rank = %v, want 102", st.Rank)
	}
	if st.PollAfterMs != 8000 {
		t.Fatalf("pollAfterMs = %d, want 8000 with no free slots", st.PollAfterMs)
	}
}

func TestLeave_RefundsAndDisconnects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Join(ctx, "e2", "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.repo.Promote(ctx, "e2", time.Now()); err != nil {
		t.Fatalf("promote: %v", err)
	}

	res, err := f.svc.Leave(ctx, "e2", "u1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !res.Refunded {
		t.Fatalf("leave = %+v, want refund", res)
	}
	res, err = f.svc.Leave(ctx, "e2", "u1")
	if err != nil {
		t.Fatalf("leave again: %v", err)
	}
	if res.Refunded || res.Released {
		t.Fatalf("second leave = %+v, want nothing released", res)
	}
	if len(f.conns.disconnected) != 2 || f.conns.disconnected[0] != "u1" {
		t.Fatalf("disconnected = %v, want u1 twice", f.conns.disconnected)
	}

	c, err := f.repo.Capacity(ctx, "e2")
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if c.SlotsRemaining != 1 {
		t.Fatalf("slots = %d, want 1", c.SlotsRemaining)
	}
}

func TestVerifyEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()

	if _, err := f.svc.Join(ctx, "e1", "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.repo.Promote(ctx, "e1", now); err != nil {
		t.Fatalf("promote: %v", err)
	}
	token, expires, err := f.svc.issuer.Mint("u1", "e1", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := f.repo.IssueToken(ctx, model.EntryCredential{
		UserID: "u1", EventID: "e1", Token: token, IssuedAt: now, ExpiresAt: expires,
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Validly signed but not the stored one.
	other, _, err := f.svc.issuer.Mint("u1", "e1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	cases := []struct {
		name string
		req  model.VerifyEntryRequest
		want error
	}{
		{name: "valid", req: model.VerifyEntryRequest{UserID: "u1", EventID: "e1", Token: token}},
		{name: "wrong user", req: model.VerifyEntryRequest{UserID: "u2", EventID: "e1", Token: token}, want: ErrInvalidEntry},
		{name: "wrong event", req: model.VerifyEntryRequest{UserID: "u1", EventID: "e2", Token: token}, want: ErrInvalidEntry},
		{name: "not stored", req: model.VerifyEntryRequest{UserID: "u1", EventID: "e1", Token: other}, want: ErrInvalidEntry},
		{name: "missing token", req: model.VerifyEntryRequest{UserID: "u1", EventID: "e1"}, want: ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.svc.VerifyEntry(ctx, tc.req)
			if tc.want == nil && err != nil {
				t.Fatalf("err = %v, want nil", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
