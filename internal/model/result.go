package model

import "github.com/shopspring/decimal"

// Lot actions reported in order results.
const (
	ActionCreatedLot = "created_lot"
	ActionUpdatedLot = "updated_lot"
	ActionClosedLot  = "closed_lot"
)

// OrderResult is the outcome of a single order. Numeric fields are pointers
// so they are omitted from JSON when not applicable (a rejected order, or a
// buy that carries no realized P&L).
//
// Retryable marks a failure with no durable outcome (lock conflict, storage
// error): the order was not applied and should be redelivered. Fills and
// business rejections are terminal and must be acknowledged.
type OrderResult struct {
	Success          bool             `json:"success"`
	Message          string           `json:"message"`
	Retryable        bool             `json:"retryable,omitempty"`
	TradeID          string           `json:"trade_id,omitempty"`
	Action           string           `json:"action,omitempty"`
	Symbol           string           `json:"symbol,omitempty"`
	Quantity         int64            `json:"quantity,omitempty"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	NewTotalQuantity *int64           `json:"new_total_quantity,omitempty"`
	NewAvgPrice      *decimal.Decimal `json:"new_avg_price,omitempty"`
	PnL              *decimal.Decimal `json:"pnl,omitempty"`
	PnLPercent       *decimal.Decimal `json:"pnl_percent,omitempty"`
}

// OrderOutcome pairs an order id with its result in a batch response.
type OrderOutcome struct {
	OrderID string      `json:"order_id"`
	Result  OrderResult `json:"result"`
}

// BatchResult is the aggregate outcome of one batch call. In atomic mode a
// failure short-circuits Results to a single entry naming the failing order;
// nothing was committed.
type BatchResult struct {
	Success          bool           `json:"success"`
	Message          string         `json:"message,omitempty"`
	OrdersProcessed  int            `json:"orders_processed"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Results          []OrderOutcome `json:"results"`
}

// PositionView is one open holding in a portfolio response.
type PositionView struct {
	InstrumentID int64           `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
}

// Portfolio aggregates a user's cash, open holdings and realized P&L.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	AvailableCash decimal.Decimal `json:"available_cash"`
	Positions     []PositionView  `json:"positions"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}
