// Package ledger implements the order execution engine: it applies one
// validated order at a time against account cash and position-lot state,
// producing an immutable trade record and an open/closed lot update.
//
// Every mutation for an order runs on a single storage transaction supplied
// by the caller; a precondition failure returns a typed *OrderError with
// zero partial mutation. The caller decides whether that transaction spans
// one order or a whole batch.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/model"
	"github.com/papertrade/order-engine/internal/store"
)

// Order is one fully resolved order: symbol and quote lookups have already
// happened, so the engine only sees an instrument id and execution price.
type Order struct {
	OrderID      string
	UserID       string
	InstrumentID int64
	Symbol       string // for messages only
	Side         model.Side
	Quantity     int64
	Price        decimal.Decimal // execution price from the quote feed
	TradeTime    time.Time
}

// Result describes an accepted order: the trade record id, what happened to
// the open lot, and (for sells) the realized P&L.
type Result struct {
	TradeID          string
	Action           string // created_lot | updated_lot | closed_lot
	Message          string
	NewTotalQuantity int64
	NewAvgPrice      decimal.Decimal // rounded to 2 decimal places
	PnL              decimal.Decimal // rounded to 2 decimal places
	PnLPercent       decimal.Decimal // rounded to 2 decimal places
}

// Engine applies orders. Stateless; safe for concurrent use — all shared
// state lives behind the store transaction's row locks.
type Engine struct{}

// NewEngine creates a ledger engine.
func NewEngine() *Engine {
	return &Engine{}
}

var hundred = decimal.NewFromInt(100)

// ApplyOrder executes one order on the given transaction. Returns a typed
// *OrderError for any precondition violation; non-OrderError returns are
// internal failures the caller must not expose verbatim.
func (e *Engine) ApplyOrder(ctx context.Context, tx store.Tx, o Order) (*Result, error) {
	if o.Quantity <= 0 {
		return nil, reject(ErrInvalidOrder, "quantity must be positive, got %d", o.Quantity)
	}
	if !o.Price.IsPositive() {
		return nil, reject(ErrInvalidOrder, "execution price must be positive, got %s", o.Price)
	}

	// Redelivery defense: an order id that already reached a committed
	// outcome must not be applied twice.
	fresh, err := tx.MarkOrderProcessed(ctx, o.OrderID)
	if err != nil {
		return nil, storageErr("mark order processed", err)
	}
	if !fresh {
		return nil, reject(ErrDuplicateOrder, "order %s already processed", o.OrderID)
	}

	switch o.Side {
	case model.SideBuy:
		return e.applyBuy(ctx, tx, o)
	case model.SideSell:
		return e.applySell(ctx, tx, o)
	default:
		return nil, reject(ErrInvalidOrder, "side must be BUY or SELL, got %q", o.Side)
	}
}

func (e *Engine) applyBuy(ctx context.Context, tx store.Tx, o Order) (*Result, error) {
	qty := decimal.NewFromInt(o.Quantity)
	cost := o.Price.Mul(qty)

	// Account row is locked before the lot row on both sides; a consistent
	// acquisition order keeps concurrent BUY/SELL on one user deadlock-free.
	account, err := tx.AccountForUpdate(ctx, o.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(ErrInvalidOrder, "unknown user %s", o.UserID)
		}
		return nil, storageErr("lock account", err)
	}

	if account.AvailableCash.LessThan(cost) {
		return nil, reject(ErrInsufficientFunds,
			"insufficient funds: required %s, available %s",
			cost.StringFixed(2), account.AvailableCash.StringFixed(2))
	}

	if err := tx.UpdateAccountCash(ctx, o.UserID, account.AvailableCash.Sub(cost)); err != nil {
		return nil, storageErr("debit cash", err)
	}

	existing, err := tx.OpenLotForUpdate(ctx, o.UserID, o.InstrumentID)
	if err != nil {
		return nil, storageErr("lock lot", err)
	}

	var (
		lot    model.OpenLot
		action string
	)
	if existing != nil {
		// Merge into the existing lot at the weighted-average price.
		oldQty := decimal.NewFromInt(existing.Quantity)
		totalQty := existing.Quantity + o.Quantity
		newAvg := oldQty.Mul(existing.BuyPrice).Add(qty.Mul(o.Price)).
			Div(decimal.NewFromInt(totalQty))

		lot = *existing
		lot.Quantity = totalQty
		lot.BuyPrice = newAvg
		action = model.ActionUpdatedLot
	} else {
		lot = model.OpenLot{
			ID:           uuid.New().String(),
			UserID:       o.UserID,
			InstrumentID: o.InstrumentID,
			Quantity:     o.Quantity,
			BuyPrice:     o.Price,
			BuyDate:      o.TradeTime,
		}
		action = model.ActionCreatedLot
	}

	if err := tx.UpsertOpenLot(ctx, &lot); err != nil {
		return nil, storageErr("upsert lot", err)
	}

	trade := &model.Trade{
		ID:           uuid.New().String(),
		UserID:       o.UserID,
		InstrumentID: o.InstrumentID,
		Side:         model.SideBuy,
		Quantity:     o.Quantity,
		Price:        o.Price,
		Status:       model.TradeStatusFilled,
		OrderDate:    o.TradeTime,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, storageErr("insert trade", err)
	}

	message := "BUY executed - new lot created"
	if action == model.ActionUpdatedLot {
		message = "BUY executed - lot updated"
	}
	return &Result{
		TradeID:          trade.ID,
		Action:           action,
		Message:          message,
		NewTotalQuantity: lot.Quantity,
		NewAvgPrice:      lot.BuyPrice.Round(2),
	}, nil
}

func (e *Engine) applySell(ctx context.Context, tx store.Tx, o Order) (*Result, error) {
	account, err := tx.AccountForUpdate(ctx, o.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(ErrInvalidOrder, "unknown user %s", o.UserID)
		}
		return nil, storageErr("lock account", err)
	}

	lot, err := tx.OpenLotForUpdate(ctx, o.UserID, o.InstrumentID)
	if err != nil {
		return nil, storageErr("lock lot", err)
	}
	if lot == nil {
		return nil, reject(ErrNoOpenPosition, "no open position in %s", o.Symbol)
	}
	if lot.Quantity < o.Quantity {
		return nil, reject(ErrInsufficientQuantity,
			"insufficient quantity: available %d, requested %d", lot.Quantity, o.Quantity)
	}

	qty := decimal.NewFromInt(o.Quantity)
	proceeds := o.Price.Mul(qty)
	pnl := o.Price.Sub(lot.BuyPrice).Mul(qty)

	trade := &model.Trade{
		ID:           uuid.New().String(),
		UserID:       o.UserID,
		InstrumentID: o.InstrumentID,
		Side:         model.SideSell,
		Quantity:     o.Quantity,
		Price:        o.Price,
		Status:       model.TradeStatusFilled,
		OrderDate:    o.TradeTime,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, storageErr("insert trade", err)
	}

	closed := &model.ClosedLot{
		ID:           uuid.New().String(),
		UserID:       o.UserID,
		LotID:        lot.ID,
		InstrumentID: o.InstrumentID,
		BuyDate:      lot.BuyDate,
		BuyPrice:     lot.BuyPrice,
		SellDate:     o.TradeTime,
		SellPrice:    o.Price,
		Quantity:     o.Quantity,
		PnL:          pnl,
	}
	if err := tx.InsertClosedLot(ctx, closed); err != nil {
		return nil, storageErr("insert closed lot", err)
	}

	if lot.Quantity == o.Quantity {
		// Full liquidation destroys the lot.
		if err := tx.DeleteOpenLot(ctx, o.UserID, o.InstrumentID); err != nil {
			return nil, storageErr("delete lot", err)
		}
	} else {
		// Partial sells reduce quantity only; the remaining lot keeps its
		// cost basis.
		remaining := *lot
		remaining.Quantity = lot.Quantity - o.Quantity
		if err := tx.UpsertOpenLot(ctx, &remaining); err != nil {
			return nil, storageErr("reduce lot", err)
		}
	}

	if err := tx.UpdateAccountCash(ctx, o.UserID, account.AvailableCash.Add(proceeds)); err != nil {
		return nil, storageErr("credit cash", err)
	}

	pnlPercent := decimal.Zero
	if basis := lot.BuyPrice.Mul(qty); basis.IsPositive() {
		pnlPercent = pnl.Div(basis).Mul(hundred)
	}

	return &Result{
		TradeID:    trade.ID,
		Action:     model.ActionClosedLot,
		Message:    "SELL executed",
		PnL:        pnl.Round(2),
		PnLPercent: pnlPercent.Round(2),
	}, nil
}

// storageErr classifies a storage failure: lock contention becomes a typed,
// retryable OrderError; anything else stays an internal error.
func storageErr(op string, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return reject(ErrStorageConflict, "storage conflict during %s, retry the order", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
