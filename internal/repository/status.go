package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// Snapshot reads the user's entry record and waiting rank in one round trip.
func (r *QueueRepository) Snapshot(ctx context.Context, eventID, userID string) (model.Snapshot, error) {
	var (
		entry *redis.MapStringStringCmd
		rank  *redis.IntCmd
	)
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		entry = p.HGetAll(ctx, entryKey(userID))
		rank = p.ZRank(ctx, waitingKey(eventID), userID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Snapshot{}, fmt.Errorf("snapshot %s/%s: %w", eventID, userID, err)
	}

	var snap model.Snapshot
	if fields, err := entry.Result(); err == nil {
		if cred := credentialFromHash(userID, fields); cred != nil && cred.EventID == eventID {
			snap.Credential = cred
		}
	}
	if n, err := rank.Result(); err == nil {
		n++
		snap.Rank = &n
	}
	return snap, nil
}

// GateContext reads the gate status, free slots and waiting size of an
// event. An event that was never seeded reports no gate and no slots.
func (r *QueueRepository) GateContext(ctx context.Context, eventID string) (model.GateContext, error) {
	var gc model.GateContext
	c, err := r.Capacity(ctx, eventID)
	switch {
	case errors.Is(err, ErrNotSeeded):
	case err != nil:
		return gc, err
	default:
		gc.GateStatus = c.GateStatus
		free := c.SlotsRemaining
		gc.FreeSlots = &free
	}
	if gc.WaitingSize, err = r.WaitingSize(ctx, eventID); err != nil {
		return gc, err
	}
	return gc, nil
}
