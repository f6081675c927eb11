// Package queue is the order transport: a Redis Stream consumed through a
// consumer group. Delivery is at-least-once — a message claimed by a worker
// that never acknowledges it is reclaimed by another worker once it has
// been idle past the visibility timeout. Messages are acknowledged only
// after the batch has a durable outcome.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/order-engine/internal/metrics"
	"github.com/papertrade/order-engine/internal/model"
)

const orderField = "order"

// Message is one in-flight order with its stream id (the acknowledgment
// handle).
type Message struct {
	ID    string
	Order model.OrderRequest
}

// Producer pushes orders onto the stream.
type Producer struct {
	rdb    *redis.Client
	stream string
}

// NewProducer creates a producer for the given stream.
func NewProducer(rdb *redis.Client, stream string) *Producer {
	return &Producer{rdb: rdb, stream: stream}
}

// Enqueue appends one order to the stream.
func (p *Producer) Enqueue(ctx context.Context, o model.OrderRequest) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{orderField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue order %s: %w", o.OrderID, err)
	}
	return nil
}

// Consumer receives order windows from the stream on behalf of one worker.
type Consumer struct {
	rdb        *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration // idle time before a pending message is reclaimed
	blockFor   time.Duration // XREADGROUP block duration when the stream is empty
}

// NewConsumer creates a consumer identified by consumer name within the
// group. The visibility duration is how long an unacknowledged message
// stays invisible to other workers before redelivery.
func NewConsumer(rdb *redis.Client, stream, group, consumer string, visibility time.Duration) *Consumer {
	return &Consumer{
		rdb:        rdb,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		visibility: visibility,
		blockFor:   5 * time.Second,
	}
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Receive returns up to max orders: first any messages idle past the
// visibility timeout (redeliveries), then fresh entries. Blocks briefly
// when the stream is empty. Malformed payloads are acknowledged and
// dropped — they can never parse, so retrying them is pointless.
func (c *Consumer) Receive(ctx context.Context, max int64) ([]Message, error) {
	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.visibility,
		Start:    "0-0",
		Count:    max,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reclaim pending: %w", err)
	}
	if n := len(claimed); n > 0 {
		metrics.QueueRedeliveries.Add(float64(n))
		slog.Warn("reclaimed redelivered orders", "count", n)
	}

	msgs := c.parse(ctx, claimed)
	if int64(len(msgs)) >= max {
		return msgs[:max], nil
	}

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    max - int64(len(msgs)),
		Block:    c.blockFor,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	for _, s := range streams {
		msgs = append(msgs, c.parse(ctx, s.Messages)...)
	}
	return msgs, nil
}

// Ack acknowledges and deletes committed messages.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if err := c.rdb.XDel(ctx, c.stream, ids...).Err(); err != nil {
		return fmt.Errorf("delete acked: %w", err)
	}
	return nil
}

func (c *Consumer) parse(ctx context.Context, raw []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		payload, ok := m.Values[orderField].(string)
		if !ok {
			c.dropPoison(ctx, m.ID, "missing order field")
			continue
		}
		var o model.OrderRequest
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			c.dropPoison(ctx, m.ID, err.Error())
			continue
		}
		msgs = append(msgs, Message{ID: m.ID, Order: o})
	}
	return msgs
}

func (c *Consumer) dropPoison(ctx context.Context, id, detail string) {
	slog.Error("dropping malformed queue message", "id", id, "detail", detail)
	metrics.QueuePoisonMessages.Inc()
	if err := c.Ack(ctx, id); err != nil {
		slog.Error("failed to ack poison message", "id", id, "err", err)
	}
}
