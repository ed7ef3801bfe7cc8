// Package stream consumes Redis streams through a consumer group with
// at-least-once delivery. Each message handler reports a Disposition that
// decides whether the message is acknowledged.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Disposition is the outcome of handling one message.
type Disposition int

const (
	// Ack acknowledges the message.
	Ack Disposition = iota
	// Requeue leaves the message pending so a later recovery pass redelivers it.
	Requeue
	// Skip acknowledges a message that could not be used.
	Skip
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Message is a single stream entry.
type Message struct {
	Stream string
	Group  string
	ID     string
	Values map[string]any
}

// Field returns a string value of the message, or "".
func (m Message) Field(name string) string {
	v, ok := m.Values[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// QueueAck adds the message's XACK to a caller's pipeline or transaction.
func QueueAck(ctx context.Context, p redis.Pipeliner, m Message) {
	p.XAck(ctx, m.Stream, m.Group, m.ID)
}

// Handler processes one message.
type Handler func(ctx context.Context, m Message) Disposition

// Options configures a Consumer.
type Options struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds each read so cancellation is observed.
	Block time.Duration
	Count int64
	// MaxDeliveries is how many times a message is handed to the handler
	// before a recovery pass gives up and acknowledges it.
	MaxDeliveries int64
	// ClaimMinIdle is how long another consumer's message must sit unacked
	// before it is claimed, and how often recovery runs.
	ClaimMinIdle time.Duration
}

// Consumer reads one stream as one member of a consumer group.
type Consumer struct {
	rdb     redis.UniversalClient
	opts    Options
	handler Handler
}

// NewConsumer constructs a Consumer.
func NewConsumer(rdb redis.UniversalClient, opts Options, h Handler) *Consumer {
	if opts.Count <= 0 {
		opts.Count = 100
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 3
	}
	return &Consumer{rdb: rdb, opts: opts, handler: h}
}

// EnsureGroup creates the stream and group if they do not exist. The group
// starts at the beginning so entries appended before it existed are read.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.opts.Group, c.opts.Stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Pending messages are recovered before
// new ones are read and again every ClaimMinIdle.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	log := c.logger()
	log.Info("stream consumer started")

	if _, err := c.Recover(ctx); err != nil && ctx.Err() == nil {
		log.Error("pending recovery failed", "error", err)
	}
	lastRecover := time.Now()

	for ctx.Err() == nil {
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("stream read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if c.opts.ClaimMinIdle > 0 && time.Since(lastRecover) >= c.opts.ClaimMinIdle {
			if _, err := c.Recover(ctx); err != nil && ctx.Err() == nil {
				log.Error("pending recovery failed", "error", err)
			}
			lastRecover = time.Now()
		}
	}
	log.Info("stream consumer stopped")
	return nil
}

// Poll reads and handles one batch of new messages and returns how many were read.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  []string{c.opts.Stream, ">"},
		Count:    c.opts.Count,
		Block:    c.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", c.opts.Stream, err)
	}

	var n int
	for _, s := range res {
		for _, xm := range s.Messages {
			c.handle(ctx, xm)
			n++
		}
	}
	return n, nil
}

// Recover re-handles this consumer's own pending messages and claims
// messages another consumer left idle for ClaimMinIdle. Messages already
// delivered MaxDeliveries times are acknowledged without handling.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	log := c.logger()
	start := "-"
	var handled int
	for {
		pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.opts.Stream,
			Group:  c.opts.Group,
			Start:  start,
			End:    "+",
			Count:  c.opts.Count,
		}).Result()
		if err != nil {
			return handled, fmt.Errorf("pending %s: %w", c.opts.Stream, err)
		}
		if len(pending) == 0 {
			return handled, nil
		}

		for _, p := range pending {
			own := p.Consumer == c.opts.Consumer
			if !own && p.Idle < c.opts.ClaimMinIdle {
				continue
			}
			if p.RetryCount >= c.opts.MaxDeliveries {
				log.Warn("giving up on message after repeated deliveries",
					"message_id", p.ID, "deliveries", p.RetryCount, "owner", p.Consumer)
				if err := c.rdb.XAck(ctx, c.opts.Stream, c.opts.Group, p.ID).Err(); err != nil {
					return handled, fmt.Errorf("ack %s: %w", p.ID, err)
				}
				continue
			}

			minIdle := c.opts.ClaimMinIdle
			if own {
				minIdle = 0
			}
			claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
				Stream:   c.opts.Stream,
				Group:    c.opts.Group,
				Consumer: c.opts.Consumer,
				MinIdle:  minIdle,
				Messages: []string{p.ID},
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return handled, fmt.Errorf("claim %s: %w", p.ID, err)
			}
			if len(claimed) == 0 && own {
				// Entry was trimmed from the stream; nothing left to deliver.
				_ = c.rdb.XAck(ctx, c.opts.Stream, c.opts.Group, p.ID).Err()
				continue
			}
			for _, xm := range claimed {
				if !own {
					log.Info("claimed idle message", "message_id", xm.ID, "from", p.Consumer)
				}
				c.handle(ctx, xm)
				handled++
			}
		}

		if int64(len(pending)) < c.opts.Count {
			return handled, nil
		}
		start = "(" + pending[len(pending)-1].ID
	}
}

func (c *Consumer) handle(ctx context.Context, xm redis.XMessage) {
	m := Message{Stream: c.opts.Stream, Group: c.opts.Group, ID: xm.ID, Values: xm.Values}
	d := c.handler(ctx, m)
	switch d {
	case Ack, Skip:
		if d == Skip {
			c.logger().Warn("skipping message", "message_id", m.ID)
		}
		if err := c.rdb.XAck(ctx, m.Stream, m.Group, m.ID).Err(); err != nil {
			c.logger().Error("ack failed", "message_id", m.ID, "error", err)
		}
	case Requeue:
	}
}

func (c *Consumer) logger() *slog.Logger {
	return slog.With("stream", c.opts.Stream, "group", c.opts.Group, "consumer", c.opts.Consumer)
}
