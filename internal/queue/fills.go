package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/order-engine/internal/model"
)

// fillChannel is the pub/sub channel carrying executed-fill events from
// workers to the intake server's WebSocket hub.
const fillChannel = "order-engine:fills"

// FillEvent is broadcast to WebSocket clients when an order fills.
type FillEvent struct {
	OrderID  string     `json:"order_id"`
	UserID   string     `json:"user_id"`
	Symbol   string     `json:"symbol"`
	Side     model.Side `json:"side"`
	Quantity int64      `json:"quantity"`
	Action   string     `json:"action"`
	PnL      string     `json:"pnl,omitempty"`
}

// PublishFill sends a fill event to the fill channel. Best-effort: a failed
// publish never affects the committed order.
func PublishFill(ctx context.Context, rdb *redis.Client, ev FillEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	return rdb.Publish(ctx, fillChannel, payload).Err()
}

// SubscribeFills subscribes to the fill channel.
func SubscribeFills(ctx context.Context, rdb *redis.Client) *redis.PubSub {
	return rdb.Subscribe(ctx, fillChannel)
}
