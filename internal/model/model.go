// Package model defines the core domain types shared across the order engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Share quantities are whole numbers (int64); fractional shares are not
// supported.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Account holds a user's cash balance. Mutated only by the ledger engine;
// available cash never goes negative.
type Account struct {
	UserID        string          `json:"user_id" db:"user_id"`
	AvailableCash decimal.Decimal `json:"available_cash" db:"available_cash"`
}

// Instrument is immutable reference data mapping a trading symbol to an
// internal identifier. Created and maintained outside this engine.
type Instrument struct {
	ID       int64  `json:"id" db:"id"`
	Symbol   string `json:"symbol" db:"symbol"`
	Name     string `json:"name" db:"name"`
	Exchange string `json:"exchange" db:"exchange"`
}

// Quote is one tick of the externally supplied price feed. The engine only
// reads quotes, never writes them.
type Quote struct {
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	Price        decimal.Decimal `json:"price" db:"price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// OpenLot is a live position. At most one open lot exists per
// (user, instrument) pair; buys merge into the existing lot at a weighted
// average price. The lot is deleted when its quantity reaches zero.
type OpenLot struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	BuyPrice     decimal.Decimal `json:"buy_price" db:"buy_price"` // weighted average
	BuyDate      time.Time       `json:"buy_date" db:"buy_date"`
}

// CostBasis returns quantity * weighted-average buy price.
func (l OpenLot) CostBasis() decimal.Decimal {
	return l.BuyPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// ClosedLot is the immutable record of a full or partial liquidation.
// Never mutated after creation; retained for audit and ROI computation.
type ClosedLot struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	LotID        string          `json:"lot_id" db:"lot_id"`
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	BuyDate      time.Time       `json:"buy_date" db:"buy_date"`
	BuyPrice     decimal.Decimal `json:"buy_price" db:"buy_price"`
	SellDate     time.Time       `json:"sell_date" db:"sell_date"`
	SellPrice    decimal.Decimal `json:"sell_price" db:"sell_price"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	PnL          decimal.Decimal `json:"pnl" db:"pnl"` // (sell - buy) * quantity
}

// Trade is the immutable audit record of every accepted order. Rejected
// orders never produce a trade row.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID int64           `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"` // execution price
	Status       string          `json:"status" db:"status"`
	OrderDate    time.Time       `json:"order_date" db:"order_date"`
}

// TradeStatusFilled is the only terminal status this engine produces.
const TradeStatusFilled = "FILLED"

// Timestamp is a time.Time that unmarshals from either RFC 3339 or the
// space-separated "2006-01-02 15:04:05" form clients send.
type Timestamp struct {
	time.Time
}

const plainTimeLayout = "2006-01-02 15:04:05"

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string, got %s", s)
	}
	s = s[1 : len(s)-1]

	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.Parse(plainTimeLayout, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339) + `"`), nil
}

// OrderRequest is one order as delivered by the queue transport. It is
// validated at the boundary so malformed entries never reach the ledger.
type OrderRequest struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Side      Side      `json:"side"`
	Symbol    string    `json:"symbol"`
	Quantity  int64     `json:"quantity"`
	TradeTime Timestamp `json:"trade_time"`
	QueuedAt  Timestamp `json:"queued_at"`
}

// Validate rejects malformed orders before they reach the ledger engine.
func (o OrderRequest) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if o.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("side must be BUY or SELL, got %q", o.Side)
	}
	if o.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", o.Quantity)
	}
	if o.TradeTime.IsZero() {
		return fmt.Errorf("trade_time is required")
	}
	return nil
}
