// Package batch coordinates the execution of an ordered group of trade
// orders: bulk pre-resolution of symbols and quotes, per-order invocation
// of the ledger engine, and aggregation of outcomes under an all-or-nothing
// or best-effort atomicity policy.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/papertrade/order-engine/internal/ledger"
	"github.com/papertrade/order-engine/internal/metrics"
	"github.com/papertrade/order-engine/internal/model"
	"github.com/papertrade/order-engine/internal/refdata"
	"github.com/papertrade/order-engine/internal/store"
)

// genericFailure is what callers see when an order fails for a reason that
// is not a typed order error. Detail is logged server-side only.
const genericFailure = "internal error processing order"

// Coordinator runs batches against a store. One batch is processed
// order-by-order, sequentially; concurrency across batches is serialized by
// the store's row locks.
type Coordinator struct {
	st     store.Store
	engine *ledger.Engine
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(st store.Store) *Coordinator {
	return &Coordinator{st: st, engine: ledger.NewEngine()}
}

// ProcessBatch executes the orders in submission order.
//
// Atomic mode: the whole batch runs in one storage transaction; the first
// failure rolls everything back and the result carries a single entry
// naming the failing order. Already-processed orders are the exception:
// they settled on a previous delivery, so a replay records them as
// duplicates and continues. Best-effort mode: each order commits or rolls
// back independently and every order's outcome is reported.
func (c *Coordinator) ProcessBatch(ctx context.Context, orders []model.OrderRequest, atomic bool) *model.BatchResult {
	start := time.Now()
	mode := "best_effort"
	if atomic {
		mode = "atomic"
	}

	res := c.process(ctx, orders, atomic)
	res.ProcessingTimeMs = time.Since(start).Milliseconds()

	outcome := "ok"
	if !res.Success {
		outcome = "failed"
	}
	metrics.BatchesTotal.WithLabelValues(mode, outcome).Inc()
	metrics.BatchLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	slog.Info("batch processed",
		"mode", mode,
		"orders", len(orders),
		"success", res.Success,
		"elapsed_ms", res.ProcessingTimeMs,
	)
	return res
}

func (c *Coordinator) process(ctx context.Context, orders []model.OrderRequest, atomic bool) *model.BatchResult {
	// Bulk pre-resolution: one directory pass and one quote pass for the
	// whole batch, instead of two lookups per order.
	symbols := make([]string, 0, len(orders))
	for _, o := range orders {
		if o.Symbol != "" {
			symbols = append(symbols, o.Symbol)
		}
	}
	dir, err := refdata.LoadDirectory(ctx, c.st, symbols)
	if err != nil {
		slog.Error("directory load failed", "err", err)
		return batchFailure("failed to resolve instruments")
	}

	var keys []store.QuoteKey
	for _, o := range orders {
		if id, ok := dir.InstrumentID(o.Symbol); ok {
			keys = append(keys, store.NewQuoteKey(id, o.TradeTime.Time))
		}
	}
	resolver, err := refdata.LoadResolver(ctx, c.st, keys)
	if err != nil {
		slog.Error("quote load failed", "err", err)
		return batchFailure("failed to resolve quotes")
	}

	if atomic {
		return c.processAtomic(ctx, orders, dir, resolver)
	}
	return c.processBestEffort(ctx, orders, dir, resolver)
}

func (c *Coordinator) processAtomic(ctx context.Context, orders []model.OrderRequest, dir *refdata.Directory, resolver *refdata.Resolver) *model.BatchResult {
	tx, err := c.st.Begin(ctx)
	if err != nil {
		slog.Error("begin batch transaction failed", "err", err)
		return batchFailure("storage unavailable")
	}

	results := make([]model.OrderOutcome, 0, len(orders))
	var filled []model.Side
	for _, o := range orders {
		res, err := c.applyOne(ctx, tx, dir, resolver, o)
		if err != nil {
			// A duplicate already has a committed outcome from a previous
			// delivery; a replayed batch records it and moves on instead
			// of aborting forever.
			if errors.Is(err, ledger.ErrDuplicateOrder) {
				results = append(results, model.OrderOutcome{
					OrderID: o.OrderID,
					Result:  failureResult(o, err),
				})
				continue
			}

			// First real failure aborts the batch; nothing is committed.
			_ = tx.Rollback(ctx)
			return &model.BatchResult{
				Success:         false,
				OrdersProcessed: len(orders),
				Message:         "batch aborted, no orders committed",
				Results: []model.OrderOutcome{
					{OrderID: o.OrderID, Result: failureResult(o, err)},
				},
			}
		}
		results = append(results, model.OrderOutcome{
			OrderID: o.OrderID,
			Result:  successResult(o, res),
		})
		filled = append(filled, o.Side)
	}

	if err := tx.Commit(ctx); err != nil {
		slog.Error("batch commit failed", "err", err)
		return batchFailure("batch commit failed, no orders committed")
	}

	for _, side := range filled {
		metrics.OrdersProcessed.WithLabelValues(string(side), "filled").Inc()
	}
	return &model.BatchResult{
		Success:         true,
		OrdersProcessed: len(orders),
		Results:         results,
	}
}

func (c *Coordinator) processBestEffort(ctx context.Context, orders []model.OrderRequest, dir *refdata.Directory, resolver *refdata.Resolver) *model.BatchResult {
	results := make([]model.OrderOutcome, 0, len(orders))

	for _, o := range orders {
		outcome := model.OrderOutcome{OrderID: o.OrderID}

		tx, err := c.st.Begin(ctx)
		if err != nil {
			slog.Error("begin order transaction failed", "order", o.OrderID, "err", err)
			outcome.Result = model.OrderResult{Success: false, Message: genericFailure, Retryable: true}
			results = append(results, outcome)
			continue
		}

		res, err := c.applyOne(ctx, tx, dir, resolver, o)
		if err != nil {
			_ = tx.Rollback(ctx)
			outcome.Result = failureResult(o, err)
			metrics.OrdersProcessed.WithLabelValues(string(o.Side), "rejected").Inc()
		} else if err := tx.Commit(ctx); err != nil {
			slog.Error("order commit failed", "order", o.OrderID, "err", err)
			outcome.Result = model.OrderResult{Success: false, Message: genericFailure, Retryable: true}
			metrics.OrdersProcessed.WithLabelValues(string(o.Side), "rejected").Inc()
		} else {
			outcome.Result = successResult(o, res)
			metrics.OrdersProcessed.WithLabelValues(string(o.Side), "filled").Inc()
		}

		results = append(results, outcome)
	}

	return &model.BatchResult{
		Success:         true,
		OrdersProcessed: len(orders),
		Results:         results,
	}
}

// applyOne resolves one order against the cached directory and quote map,
// then hands it to the ledger engine on the given transaction.
func (c *Coordinator) applyOne(ctx context.Context, tx store.Tx, dir *refdata.Directory, resolver *refdata.Resolver, o model.OrderRequest) (*ledger.Result, error) {
	if err := o.Validate(); err != nil {
		return nil, &ledger.OrderError{Kind: ledger.ErrInvalidOrder, Message: err.Error()}
	}

	instrumentID, ok := dir.InstrumentID(o.Symbol)
	if !ok {
		return nil, &ledger.OrderError{
			Kind:    ledger.ErrUnknownInstrument,
			Message: "unknown instrument " + o.Symbol,
		}
	}

	price, err := resolver.Price(ctx, instrumentID, o.TradeTime.Time)
	if err != nil {
		return nil, err
	}

	return c.engine.ApplyOrder(ctx, tx, ledger.Order{
		OrderID:      o.OrderID,
		UserID:       o.UserID,
		InstrumentID: instrumentID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Quantity:     o.Quantity,
		Price:        price,
		TradeTime:    o.TradeTime.UTC(),
	})
}

// --- Result shaping ---

func successResult(o model.OrderRequest, res *ledger.Result) model.OrderResult {
	out := model.OrderResult{
		Success:  true,
		Message:  res.Message,
		TradeID:  res.TradeID,
		Action:   res.Action,
		Symbol:   o.Symbol,
		Quantity: o.Quantity,
	}
	switch res.Action {
	case model.ActionCreatedLot, model.ActionUpdatedLot:
		qty := res.NewTotalQuantity
		avg := res.NewAvgPrice
		out.NewTotalQuantity = &qty
		out.NewAvgPrice = &avg
	case model.ActionClosedLot:
		pnl := res.PnL
		pct := res.PnLPercent
		out.PnL = &pnl
		out.PnLPercent = &pct
	}
	return out
}

// failureResult maps a processing error to a user-visible order result.
// Typed order errors surface their kind and message; anything else is
// logged and reported generically. Storage conflicts and internal errors
// are marked retryable: the order has no durable outcome yet.
func failureResult(o model.OrderRequest, err error) model.OrderResult {
	var oe *ledger.OrderError
	if errors.As(err, &oe) {
		metrics.OrderRejections.WithLabelValues(reasonOf(oe.Kind)).Inc()
		return model.OrderResult{
			Success:   false,
			Message:   oe.Message,
			Retryable: errors.Is(oe.Kind, ledger.ErrStorageConflict),
		}
	}

	slog.Error("order failed unexpectedly", "order", o.OrderID, "err", err)
	metrics.OrderRejections.WithLabelValues("internal").Inc()
	return model.OrderResult{Success: false, Message: genericFailure, Retryable: true}
}

func batchFailure(message string) *model.BatchResult {
	return &model.BatchResult{Success: false, Message: message, Results: []model.OrderOutcome{}}
}

func reasonOf(kind error) string {
	switch {
	case errors.Is(kind, ledger.ErrUnknownInstrument):
		return "unknown_instrument"
	case errors.Is(kind, ledger.ErrNoQuoteAvailable):
		return "no_quote_available"
	case errors.Is(kind, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(kind, ledger.ErrNoOpenPosition):
		return "no_open_position"
	case errors.Is(kind, ledger.ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(kind, ledger.ErrDuplicateOrder):
		return "duplicate_order"
	case errors.Is(kind, ledger.ErrStorageConflict):
		return "storage_conflict"
	case errors.Is(kind, ledger.ErrInvalidOrder):
		return "invalid_order"
	default:
		return "internal"
	}
}
