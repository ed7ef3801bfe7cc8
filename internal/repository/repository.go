// Package repository implements the shared queue state on Redis: the
// capacity store, the waiting ledger, liveness indexes, entry records and
// instance affinity. Every mutation that touches capacity or membership is a
// single Lua script or MULTI/EXEC transaction so that any number of
// instances can race on the same event.
package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// ErrAlreadyEntered is returned when the user already holds an entry record.
var ErrAlreadyEntered = errors.New("user already holds an entry credential")

// ErrOtherEvent is returned when the user is waiting for a different event.
var ErrOtherEvent = errors.New("user is already waiting for another event")

// ErrGateClosed is returned when the event gate is not OPEN.
var ErrGateClosed = errors.New("event is not open for queueing")

// ErrNotSeeded is returned when the event's capacity has not been cached yet.
var ErrNotSeeded = errors.New("event capacity not initialised")

// ErrNoReservation is returned when a token is issued for a promotion that
// was already released or belongs to another event.
var ErrNoReservation = errors.New("no entry reservation for user")

const keyPrefix = "queue:"

const scanCount = 1000

var (
	//go:embed scripts/join.lua
	joinSource string
	//go:embed scripts/promote.lua
	promoteSource string
	//go:embed scripts/issue.lua
	issueSource string
	//go:embed scripts/leave.lua
	leaveSource string
	//go:embed scripts/release_owner.lua
	releaseOwnerSource string

	joinScript         = redis.NewScript(joinSource)
	promoteScript      = redis.NewScript(promoteSource)
	issueScript        = redis.NewScript(issueSource)
	leaveScript        = redis.NewScript(leaveSource)
	releaseOwnerScript = redis.NewScript(releaseOwnerSource)
)

// Key layout.
func eventKey(eventID string) string       { return keyPrefix + "event:" + eventID }
func waitingKey(eventID string) string     { return keyPrefix + "waiting:" + eventID }
func waitingSeenKey(eventID string) string { return keyPrefix + "waiting-seen:" + eventID }
func memberKey(userID string) string       { return keyPrefix + "member:" + userID }
func entryKey(userID string) string        { return keyPrefix + "entry:" + userID }

const (
	affinityKey    = keyPrefix + "affinity"
	entrySeenKey   = keyPrefix + "entry-seen"
	entryExpiryKey = keyPrefix + "entry-expiry"
	worklistPrefix = keyPrefix + "worklist:"
)

// EntryStream is the global stream promotions are appended to.
const EntryStream = keyPrefix + "stream:entry"

// InstanceStream names the private dispatch stream of one instance.
func InstanceStream(instanceID string) string {
	return keyPrefix + "stream:instance:" + instanceID
}

// DefaultReservationTTL bounds how long a promotion may hold its slot
// before a token is attached to it.
const DefaultReservationTTL = 5 * time.Minute

// QueueRepository holds all queue state operations.
type QueueRepository struct {
	rdb        redis.UniversalClient
	reserveTTL time.Duration
}

// Option configures a QueueRepository.
type Option func(*QueueRepository)

// WithReservationTTL sets the provisional expiry written at promotion time.
// Issuing a token replaces it with the token's own expiry.
func WithReservationTTL(d time.Duration) Option {
	return func(r *QueueRepository) {
		if d > 0 {
			r.reserveTTL = d
		}
	}
}

// NewQueueRepository constructs a QueueRepository.
func NewQueueRepository(rdb redis.UniversalClient, opts ...Option) *QueueRepository {
	r := &QueueRepository{rdb: rdb, reserveTTL: DefaultReservationTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Client exposes the underlying client for stream consumers.
func (r *QueueRepository) Client() redis.UniversalClient {
	return r.rdb
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ─── Capacity store ───────────────────────────────────────────────────────────

// Seed caches an event's seat count and gate status if nothing is cached yet.
// The three fields are set-if-absent inside one MULTI/EXEC so concurrent
// first joins cannot double-seed.
func (r *QueueRepository) Seed(ctx context.Context, eventID string, ev model.CatalogEvent) error {
	key := eventKey(eventID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, "slots", ev.SeatCount)
		p.HSetNX(ctx, key, "capacity", ev.SeatCount)
		p.HSetNX(ctx, key, "status", ev.Status)
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed event %s: %w", eventID, err)
	}
	return nil
}

// SetGate updates an event's cached gate status.
func (r *QueueRepository) SetGate(ctx context.Context, eventID, status string) error {
	if err := r.rdb.HSet(ctx, eventKey(eventID), "status", status).Err(); err != nil {
		return fmt.Errorf("set gate %s: %w", eventID, err)
	}
	return nil
}

// Capacity returns the cached capacity of an event or ErrNotSeeded.
func (r *QueueRepository) Capacity(ctx context.Context, eventID string) (*model.EventCapacity, error) {
	fields, err := r.rdb.HGetAll(ctx, eventKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get capacity %s: %w", eventID, err)
	}
	slots, ok := fields["slots"]
	if !ok {
		return nil, ErrNotSeeded
	}
	c := &model.EventCapacity{EventID: eventID, GateStatus: fields["status"]}
	c.SlotsRemaining, _ = strconv.ParseInt(slots, 10, 64)
	c.Capacity, _ = strconv.ParseInt(fields["capacity"], 10, 64)
	return c, nil
}

// ─── Waiting ledger ───────────────────────────────────────────────────────────

// Join atomically records the user in the event's waiting line. Re-joining
// the same event returns the existing position with rejoined=true.
func (r *QueueRepository) Join(ctx context.Context, eventID, userID, instanceID string, now time.Time) (int64, bool, error) {
	keys := []string{
		eventKey(eventID),
		waitingKey(eventID),
		waitingSeenKey(eventID),
		memberKey(userID),
		entryKey(userID),
		affinityKey,
	}
	res, err := joinScript.Run(ctx, r.rdb, keys, eventID, userID, millis(now), instanceID, keyPrefix).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("join %s: %w", eventID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("join %s: unexpected script reply %v", eventID, res)
	}

	switch res[0] {
	case 0:
		return res[1], false, nil
	case 1:
		return res[1], true, nil
	case -1:
		return 0, false, ErrAlreadyEntered
	case -2:
		return 0, false, ErrOtherEvent
	case -3:
		return 0, false, ErrGateClosed
	case -4:
		return 0, false, ErrNotSeeded
	default:
		return 0, false, fmt.Errorf("join %s: unknown script code %d", eventID, res[0])
	}
}

// WaitingSize returns the number of users waiting for an event.
func (r *QueueRepository) WaitingSize(ctx context.Context, eventID string) (int64, error) {
	n, err := r.rdb.ZCard(ctx, waitingKey(eventID)).Result()
	if err != nil {
		return 0, fmt.Errorf("waiting size %s: %w", eventID, err)
	}
	return n, nil
}

// Ranks returns the 1-based waiting rank of each user for an event; users
// that are not waiting are absent from the result.
func (r *QueueRepository) Ranks(ctx context.Context, eventID string, userIDs []string) (map[string]int64, error) {
	cmds := make([]*redis.IntCmd, len(userIDs))
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, u := range userIDs {
			cmds[i] = p.ZRank(ctx, waitingKey(eventID), u)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ranks %s: %w", eventID, err)
	}
	out := make(map[string]int64, len(userIDs))
	for i, cmd := range cmds {
		if rank, err := cmd.Result(); err == nil {
			out[userIDs[i]] = rank + 1
		}
	}
	return out, nil
}

// ScanWaitingEvents returns ids of events whose waiting line is non-empty.
// Redis drops empty sorted sets, so key existence is the emptiness check.
func (r *QueueRepository) ScanWaitingEvents(ctx context.Context) ([]string, error) {
	return r.scanSuffixes(ctx, keyPrefix+"waiting:")
}

// ScanLivenessEvents returns ids of events with waiting liveness marks.
func (r *QueueRepository) ScanLivenessEvents(ctx context.Context) ([]string, error) {
	return r.scanSuffixes(ctx, keyPrefix+"waiting-seen:")
}

func (r *QueueRepository) scanSuffixes(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), prefix)
		if id == "" || strings.Contains(id, ":") {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return ids, nil
}

// ─── Promotion ────────────────────────────────────────────────────────────────

// Promote runs the atomic promote-up-to-capacity step for one event and
// returns how many users moved into the entry queue. Each reservation
// expires after the reservation ttl unless a token is attached first.
func (r *QueueRepository) Promote(ctx context.Context, eventID string, now time.Time) (int64, error) {
	keys := []string{
		eventKey(eventID),
		waitingKey(eventID),
		waitingSeenKey(eventID),
		EntryStream,
		affinityKey,
		entrySeenKey,
		entryExpiryKey,
	}
	n, err := promoteScript.Run(ctx, r.rdb, keys,
		eventID, millis(now), keyPrefix, millis(now.Add(r.reserveTTL)),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", eventID, err)
	}
	return n, nil
}

// StageWorklist pushes event ids onto a fresh list that expires after ttl.
func (r *QueueRepository) StageWorklist(ctx context.Context, id string, eventIDs []string, ttl time.Duration) (string, error) {
	key := worklistPrefix + id
	values := make([]any, len(eventIDs))
	for i, e := range eventIDs {
		values[i] = e
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, values...)
		p.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("stage worklist: %w", err)
	}
	return key, nil
}

// PopWorklist takes the next event id off a worklist; ok is false once drained.
func (r *QueueRepository) PopWorklist(ctx context.Context, key string) (string, bool, error) {
	id, err := r.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop worklist: %w", err)
	}
	return id, true, nil
}

// ─── Entry records ────────────────────────────────────────────────────────────

// IssueToken attaches a token to the user's reservation. On redelivery the
// token already stored is returned with issued=false.
func (r *QueueRepository) IssueToken(ctx context.Context, cred model.EntryCredential) (string, bool, error) {
	keys := []string{entryKey(cred.UserID), entryExpiryKey}
	stored, err := issueScript.Run(ctx, r.rdb, keys,
		cred.EventID, cred.UserID, cred.Token, millis(cred.IssuedAt), millis(cred.ExpiresAt),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, ErrNoReservation
	}
	if err != nil {
		return "", false, fmt.Errorf("issue token: %w", err)
	}
	return stored, stored == cred.Token, nil
}

// Credential returns the user's entry record, or nil.
func (r *QueueRepository) Credential(ctx context.Context, userID string) (*model.EntryCredential, error) {
	fields, err := r.rdb.HGetAll(ctx, entryKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return credentialFromHash(userID, fields), nil
}

func credentialFromHash(userID string, fields map[string]string) *model.EntryCredential {
	eventID, ok := fields["event"]
	if !ok {
		return nil
	}
	return &model.EntryCredential{
		UserID:    userID,
		EventID:   eventID,
		Token:     fields["token"],
		IssuedAt:  fromMillis(fields["issuedAt"]),
		ExpiresAt: fromMillis(fields["expiresAt"]),
	}
}

// ─── Release ──────────────────────────────────────────────────────────────────

// Leave releases everything the user holds for the event: the waiting
// record, the entry record (refunding its slot), the membership marker and
// affinity. Releasing twice refunds once.
func (r *QueueRepository) Leave(ctx context.Context, eventID, userID string, now time.Time) (model.LeaveResult, error) {
	return r.release(ctx, eventID, userID, "all", time.Time{}, now)
}

// ReleaseEntry releases only the entry record for the event, refunding its
// slot if it still existed.
func (r *QueueRepository) ReleaseEntry(ctx context.Context, eventID, userID string, now time.Time) (bool, error) {
	res, err := r.release(ctx, eventID, userID, string(model.ScopeEntry), time.Time{}, now)
	return res.Refunded, err
}

// EvictStaleWaiting removes the waiting record if its liveness is at or
// before staleBefore; the check runs inside the same script.
func (r *QueueRepository) EvictStaleWaiting(ctx context.Context, eventID, userID string, staleBefore, now time.Time) (bool, error) {
	res, err := r.release(ctx, eventID, userID, string(model.ScopeWaiting), staleBefore, now)
	return res.Released, err
}

// ReclaimStaleEntry releases an entry record whose liveness is at or before
// staleBefore or whose credential expired, refunding its slot.
func (r *QueueRepository) ReclaimStaleEntry(ctx context.Context, userID string, staleBefore, now time.Time) (bool, error) {
	res, err := r.release(ctx, "", userID, string(model.ScopeEntry), staleBefore, now)
	return res.Refunded, err
}

func (r *QueueRepository) release(ctx context.Context, eventID, userID, scope string, staleBefore, now time.Time) (model.LeaveResult, error) {
	keys := []string{memberKey(userID), entryKey(userID), affinityKey, entrySeenKey, entryExpiryKey}
	var stale int64
	if !staleBefore.IsZero() {
		stale = millis(staleBefore)
	}
	res, err := leaveScript.Run(ctx, r.rdb, keys, eventID, userID, scope, stale, millis(now), keyPrefix).Int64Slice()
	if err != nil {
		return model.LeaveResult{}, fmt.Errorf("release %s/%s: %w", eventID, userID, err)
	}
	if len(res) != 2 {
		return model.LeaveResult{}, fmt.Errorf("release: unexpected script reply %v", res)
	}
	return model.LeaveResult{Released: res[0] == 1, Refunded: res[1] == 1}, nil
}

// ─── Liveness ─────────────────────────────────────────────────────────────────

// Touch refreshes the user's liveness marks that already exist; it never
// creates a mark for a record the user does not hold.
func (r *QueueRepository) Touch(ctx context.Context, eventID, userID string, now time.Time) error {
	z := redis.Z{Score: float64(millis(now)), Member: userID}
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddXX(ctx, waitingSeenKey(eventID), z)
		p.ZAddXX(ctx, entrySeenKey, z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch %s/%s: %w", eventID, userID, err)
	}
	return nil
}

// StaleWaiting pages users of one event whose waiting liveness is at or before cutoff.
func (r *QueueRepository) StaleWaiting(ctx context.Context, eventID string, cutoff time.Time, limit int64) ([]string, error) {
	return r.rangeUpTo(ctx, waitingSeenKey(eventID), millis(cutoff), limit)
}

// StaleEntries pages entry holders whose liveness is at or before cutoff or
// whose credential expired at or before now.
func (r *QueueRepository) StaleEntries(ctx context.Context, cutoff, now time.Time, limit int64) ([]string, error) {
	stale, err := r.rangeUpTo(ctx, entrySeenKey, millis(cutoff), limit)
	if err != nil {
		return nil, err
	}
	expired, err := r.rangeUpTo(ctx, entryExpiryKey, millis(now), limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(stale))
	for _, u := range stale {
		seen[u] = struct{}{}
	}
	for _, u := range expired {
		if _, dup := seen[u]; !dup {
			stale = append(stale, u)
			seen[u] = struct{}{}
		}
	}
	return stale, nil
}

func (r *QueueRepository) rangeUpTo(ctx context.Context, key string, max, limit int64) ([]string, error) {
	users, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(max, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return users, nil
}

// ─── Instance affinity ────────────────────────────────────────────────────────

// SetOwner records which instance holds the user's live connection.
func (r *QueueRepository) SetOwner(ctx context.Context, userID, instanceID string) error {
	if err := r.rdb.HSet(ctx, affinityKey, userID, instanceID).Err(); err != nil {
		return fmt.Errorf("set owner: %w", err)
	}
	return nil
}

// Owner returns the instance holding the user's connection, or "".
func (r *QueueRepository) Owner(ctx context.Context, userID string) (string, error) {
	id, err := r.rdb.HGet(ctx, affinityKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get owner: %w", err)
	}
	return id, nil
}

// ReleaseOwner clears the user's affinity if instanceID still owns it.
func (r *QueueRepository) ReleaseOwner(ctx context.Context, userID, instanceID string) error {
	if err := releaseOwnerScript.Run(ctx, r.rdb, []string{affinityKey}, userID, instanceID).Err(); err != nil {
		return fmt.Errorf("release owner: %w", err)
	}
	return nil
}
