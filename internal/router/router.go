// Package router moves promotions from the global entry stream to the
// private stream of the instance that holds each user's connection. In poll
// deployments it issues the credential itself, so delivery never depends on
// the instance that took the join still being alive.
package router

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/omegafrog/ticketon-queue/internal/model"
	"github.com/omegafrog/ticketon-queue/internal/repository"
	"github.com/omegafrog/ticketon-queue/internal/stream"
)

// Group is the consumer group every instance joins on the entry stream.
const Group = "entry-router"

// Issuer stores the credential for a promotion.
type Issuer interface {
	Issue(ctx context.Context, msg model.PromotionMessage) error
}

// Router forwards entry stream messages to instance streams.
type Router struct {
	repo       *repository.QueueRepository
	instanceID string
	issuer     Issuer
}

// New constructs a Router for the local instance.
func New(repo *repository.QueueRepository, instanceID string) *Router {
	return &Router{repo: repo, instanceID: instanceID}
}

// WithIssuer makes the router issue credentials in place of forwarding.
func (r *Router) WithIssuer(iss Issuer) *Router {
	r.issuer = iss
	return r
}

// Owner resolves which instance should receive a promotion: the affinity
// table first, then the instance recorded on the message, then this one.
func (r *Router) Owner(ctx context.Context, userID, carried string) (string, error) {
	owner, err := r.repo.Owner(ctx, userID)
	if err != nil {
		return "", err
	}
	if owner != "" {
		return owner, nil
	}
	if carried != "" {
		return carried, nil
	}
	return r.instanceID, nil
}

// Handle forwards one message. The forward and the ack are one MULTI/EXEC
// so a crash cannot leave a message both forwarded and pending.
func (r *Router) Handle(ctx context.Context, m stream.Message) stream.Disposition {
	userID, eventID := m.Field("userId"), m.Field("eventId")
	if userID == "" || eventID == "" {
		slog.Warn("malformed entry message", "message_id", m.ID)
		return stream.Skip
	}

	if r.issuer != nil {
		return r.issue(ctx, m)
	}

	owner, err := r.Owner(ctx, userID, m.Field("instanceId"))
	if err != nil {
		slog.Error("resolve owner failed", "message_id", m.ID, "user_id", userID, "error", err)
		return stream.Requeue
	}

	_, err = r.repo.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: repository.InstanceStream(owner),
			Values: map[string]any{
				"userId":     userID,
				"eventId":    eventID,
				"instanceId": owner,
			},
		})
		stream.QueueAck(ctx, p, m)
		return nil
	})
	if err != nil {
		slog.Error("forward promotion failed",
			"message_id", m.ID, "event_id", eventID, "user_id", userID, "error", err)
		return stream.Requeue
	}
	slog.Debug("promotion routed", "event_id", eventID, "user_id", userID, "owner", owner)
	return stream.Ack
}

func (r *Router) issue(ctx context.Context, m stream.Message) stream.Disposition {
	msg := model.PromotionMessage{
		ID:         m.ID,
		UserID:     m.Field("userId"),
		EventID:    m.Field("eventId"),
		InstanceID: m.Field("instanceId"),
	}
	if err := r.issuer.Issue(ctx, msg); err != nil {
		slog.Error("issue at routing failed",
			"message_id", m.ID, "event_id", msg.EventID, "user_id", msg.UserID, "error", err)
		return stream.Requeue
	}
	return stream.Ack
}

// Consumer returns the stream consumer that runs this router.
func (r *Router) Consumer(opts stream.Options) *stream.Consumer {
	opts.Stream = repository.EntryStream
	opts.Group = Group
	opts.Consumer = r.instanceID
	return stream.NewConsumer(r.repo.Client(), opts, r.Handle)
}
