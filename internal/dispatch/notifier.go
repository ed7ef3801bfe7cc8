package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/omegafrog/ticketon-queue/internal/credential"
	"github.com/omegafrog/ticketon-queue/internal/model"
	"github.com/omegafrog/ticketon-queue/internal/repository"
	"github.com/omegafrog/ticketon-queue/internal/stream"
)

// Group is the consumer group on each instance's private stream.
const Group = "entry-dispatch"

// Notifier delivers one promotion. Delivery problems are resolved inside
// Notify; the message is acknowledged either way.
type Notifier interface {
	Notify(ctx context.Context, msg model.PromotionMessage)
}

// Handler adapts a Notifier to a stream handler.
func Handler(n Notifier) stream.Handler {
	return func(ctx context.Context, m stream.Message) stream.Disposition {
		msg := model.PromotionMessage{
			ID:         m.ID,
			UserID:     m.Field("userId"),
			EventID:    m.Field("eventId"),
			InstanceID: m.Field("instanceId"),
		}
		if msg.UserID == "" || msg.EventID == "" {
			slog.Warn("malformed promotion message", "message_id", m.ID)
			return stream.Skip
		}
		n.Notify(ctx, msg)
		return stream.Ack
	}
}

// Consumer returns the consumer of this instance's private stream.
func Consumer(repo *repository.QueueRepository, n Notifier, instanceID string, opts stream.Options) *stream.Consumer {
	opts.Stream = repository.InstanceStream(instanceID)
	opts.Group = Group
	opts.Consumer = instanceID
	return stream.NewConsumer(repo.Client(), opts, Handler(n))
}

// issue mints a token and attaches it to the user's reservation. On
// redelivery the token stored first wins.
func issue(ctx context.Context, repo *repository.QueueRepository, iss *credential.Issuer, msg model.PromotionMessage) (string, error) {
	now := time.Now()
	token, expires, err := iss.Mint(msg.UserID, msg.EventID, now)
	if err != nil {
		return "", err
	}
	stored, _, err := repo.IssueToken(ctx, model.EntryCredential{
		UserID:    msg.UserID,
		EventID:   msg.EventID,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: expires,
	})
	return stored, err
}

// ─── Poll mode ────────────────────────────────────────────────────────────────

// PollNotifier stores a credential for every promotion; clients pick it up
// on their next poll.
type PollNotifier struct {
	repo   *repository.QueueRepository
	issuer *credential.Issuer
}

// NewPollNotifier constructs a PollNotifier.
func NewPollNotifier(repo *repository.QueueRepository, issuer *credential.Issuer) *PollNotifier {
	return &PollNotifier{repo: repo, issuer: issuer}
}

// Issue stores the credential. A promotion released in the meantime is not
// an error; there is nothing left to issue.
func (n *PollNotifier) Issue(ctx context.Context, msg model.PromotionMessage) error {
	log := slog.With("event_id", msg.EventID, "user_id", msg.UserID)
	if _, err := issue(ctx, n.repo, n.issuer, msg); err != nil {
		if errors.Is(err, repository.ErrNoReservation) {
			log.Info("promotion already released, nothing to issue")
			return nil
		}
		return fmt.Errorf("issue entry credential: %w", err)
	}
	log.Debug("entry credential stored for poll")
	return nil
}

// Notify issues the credential.
func (n *PollNotifier) Notify(ctx context.Context, msg model.PromotionMessage) {
	if err := n.Issue(ctx, msg); err != nil {
		slog.Error("poll delivery failed", "event_id", msg.EventID, "user_id", msg.UserID, "error", err)
	}
}

// ─── Push mode ────────────────────────────────────────────────────────────────

// PushNotifier pushes credentials over the connections held in a Hub.
type PushNotifier struct {
	repo       *repository.QueueRepository
	issuer     *credential.Issuer
	hub        *Hub
	instanceID string
	draining   atomic.Bool
}

// NewPushNotifier constructs a PushNotifier.
func NewPushNotifier(repo *repository.QueueRepository, issuer *credential.Issuer, hub *Hub, instanceID string) *PushNotifier {
	return &PushNotifier{repo: repo, issuer: issuer, hub: hub, instanceID: instanceID}
}

// Hub returns the connections this notifier pushes to.
func (n *PushNotifier) Hub() *Hub {
	return n.hub
}

// maxHandoffs bounds how often one delivery follows the user to a newer
// connection.
const maxHandoffs = 3

// Notify pushes the credential, or gives the slot back when the user is no
// longer connected. A user who reconnects mid-delivery gets the credential
// on the new connection.
func (n *PushNotifier) Notify(ctx context.Context, msg model.PromotionMessage) {
	log := slog.With("event_id", msg.EventID, "user_id", msg.UserID)

	for range maxHandoffs {
		b, ok := n.hub.Claim(msg.UserID, msg.EventID)
		if !ok {
			refunded, err := n.repo.ReleaseEntry(ctx, msg.EventID, msg.UserID, time.Now())
			if err != nil {
				log.Error("release promotion without connection failed", "error", err)
				return
			}
			log.Info("promoted user not connected, slot released", "refunded", refunded)
			return
		}
		if b.EventID != msg.EventID {
			log.Warn("connection bound to another event, skipping", "connection_event_id", b.EventID)
			return
		}

		token, err := issue(ctx, n.repo, n.issuer, msg)
		if err != nil {
			if errors.Is(err, repository.ErrNoReservation) {
				log.Info("promotion already released, nothing to push")
				return
			}
			log.Error("issue entry credential failed", "error", err)
			n.Teardown(ctx, msg.UserID, b.Conn)
			return
		}

		err = b.Conn.Send(model.Frame{
			Status:  model.StateEntry,
			EventID: msg.EventID,
			UserID:  msg.UserID,
			Token:   token,
		})
		if err != nil && !n.hub.Replaced(msg.UserID, b.Conn) {
			log.Warn("push entry credential failed", "error", err)
			n.Teardown(ctx, msg.UserID, b.Conn)
			return
		}
		if err == nil && n.hub.Delivered(msg.UserID, b.Conn) {
			log.Info("entry credential pushed")
			return
		}
		log.Info("connection replaced during delivery, following it")
	}
	log.Warn("connection kept changing, credential left for the next poll")
}

// Teardown closes conn and releases what the user held. A connection that
// already received its credential keeps the entry record; anything else is
// released and its slot refunded. While draining only affinity is cleared.
func (n *PushNotifier) Teardown(ctx context.Context, userID string, conn Conn) {
	_ = conn.Close()
	b, ok := n.hub.Remove(userID, conn)
	if !ok {
		return
	}
	log := slog.With("event_id", b.EventID, "user_id", userID)

	if !b.Delivered && !n.draining.Load() {
		res, err := n.repo.Leave(ctx, b.EventID, userID, time.Now())
		if err != nil {
			log.Error("release on disconnect failed", "error", err)
		} else {
			log.Info("connection closed", "released", res.Released, "refunded", res.Refunded)
		}
	}
	if err := n.repo.ReleaseOwner(ctx, userID, n.instanceID); err != nil {
		log.Error("release affinity failed", "error", err)
	}
}

// Drain closes every connection without releasing queue state, so clients
// can reconnect to another instance and keep their place in line.
func (n *PushNotifier) Drain() {
	n.draining.Store(true)
	slog.Info("draining push connections", "connections", n.hub.Len())
	for _, b := range n.hub.All() {
		_ = b.Conn.Close()
	}
}

// Disconnect tears down the user's local connection, if any.
func (n *PushNotifier) Disconnect(ctx context.Context, userID string) {
	if b, ok := n.hub.Get(userID); ok {
		n.Teardown(ctx, userID, b.Conn)
	}
}

// Attach registers a new connection for the user, closing any previous one.
func (n *PushNotifier) Attach(ctx context.Context, userID, eventID string, conn Conn) error {
	if prev := n.hub.Register(userID, eventID, conn); prev != nil {
		_ = prev.Close()
	}
	return n.repo.SetOwner(ctx, userID, n.instanceID)
}
