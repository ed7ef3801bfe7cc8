package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// BroadcastRanks sends every waiting connection its current rank. Users
// already promoted but not yet delivered have no rank and are left alone.
func (n *PushNotifier) BroadcastRanks(ctx context.Context) error {
	for eventID, bindings := range n.hub.Waiting() {
		users := make([]string, len(bindings))
		for i, b := range bindings {
			users[i] = b.UserID
		}
		ranks, err := n.repo.Ranks(ctx, eventID, users)
		if err != nil {
			slog.Error("read ranks failed", "event_id", eventID, "error", err)
			continue
		}
		for _, b := range bindings {
			rank, ok := ranks[b.UserID]
			if !ok {
				continue
			}
			if err := b.Conn.Send(model.Frame{
				Status:  model.StateWaiting,
				EventID: eventID,
				UserID:  b.UserID,
				Rank:    &rank,
			}); err != nil {
				slog.Warn("rank push failed", "event_id", eventID, "user_id", b.UserID, "error", err)
				n.Teardown(ctx, b.UserID, b.Conn)
			}
		}
	}
	return nil
}

// Heartbeat pings every connection. A failed ping tears the connection
// down; a successful one refreshes the user's liveness.
func (n *PushNotifier) Heartbeat(ctx context.Context) error {
	now := time.Now()
	for _, b := range n.hub.All() {
		if err := b.Conn.Heartbeat(); err != nil {
			slog.Info("heartbeat failed", "event_id", b.EventID, "user_id", b.UserID, "error", err)
			n.Teardown(ctx, b.UserID, b.Conn)
			continue
		}
		if err := n.repo.Touch(ctx, b.EventID, b.UserID, now); err != nil {
			slog.Error("refresh liveness failed", "event_id", b.EventID, "user_id", b.UserID, "error", err)
		}
	}
	return nil
}
