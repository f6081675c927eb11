package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/order-engine/internal/model"
)

func testConsumer() *Consumer {
	// Unreachable address: parse never reads the connection, and poison
	// acks degrade to a logged error.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return NewConsumer(rdb, "orders", "order-workers", "test-0", 30*time.Second)
}

func TestParse_DecodesOrders(t *testing.T) {
	c := testConsumer()
	o := model.OrderRequest{
		OrderID:   "o1",
		UserID:    "u1",
		Side:      model.SideBuy,
		Symbol:    "RELIANCE",
		Quantity:  10,
		TradeTime: model.Timestamp{Time: time.Date(2025, 11, 7, 10, 30, 0, 0, time.UTC)},
	}
	payload, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msgs := c.parse(context.Background(), []redis.XMessage{
		{ID: "1-0", Values: map[string]any{orderField: string(payload)}},
	})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "1-0" {
		t.Errorf("stream id must be preserved as the ack handle, got %s", msgs[0].ID)
	}
	got := msgs[0].Order
	if got.OrderID != "o1" || got.Side != model.SideBuy || got.Quantity != 10 {
		t.Errorf("unexpected order: %+v", got)
	}
	if !got.TradeTime.Equal(o.TradeTime.Time) {
		t.Errorf("trade time lost in transit: %s", got.TradeTime)
	}
}

func TestParse_DropsPoisonMessages(t *testing.T) {
	c := testConsumer()

	msgs := c.parse(context.Background(), []redis.XMessage{
		{ID: "1-0", Values: map[string]any{"unrelated": "x"}},
		{ID: "2-0", Values: map[string]any{orderField: "{not json"}},
		{ID: "3-0", Values: map[string]any{orderField: `{"order_id":"ok","user_id":"u1","side":"SELL","symbol":"TCS","quantity":2,"trade_time":"2025-11-07 10:30:00"}`}},
	})

	if len(msgs) != 1 {
		t.Fatalf("expected only the well-formed message, got %d", len(msgs))
	}
	if msgs[0].Order.OrderID != "ok" {
		t.Errorf("unexpected survivor: %+v", msgs[0].Order)
	}
}

func TestFillEvent_JSONShape(t *testing.T) {
	b, err := json.Marshal(FillEvent{
		OrderID:  "o1",
		UserID:   "u1",
		Symbol:   "RELIANCE",
		Side:     model.SideBuy,
		Quantity: 10,
		Action:   model.ActionCreatedLot,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["pnl"]; ok {
		t.Error("pnl must be omitted for buys")
	}
	if m["action"] != model.ActionCreatedLot || m["side"] != "BUY" {
		t.Errorf("unexpected shape: %v", m)
	}
}
