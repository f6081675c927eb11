// Package refdata resolves the reference data a batch needs before any
// order executes: symbol → instrument id, and (instrument, time) →
// execution price. Both are loaded in one bulk pass per batch so large
// batches do not serialize on per-order lookups.
package refdata

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/ledger"
	"github.com/papertrade/order-engine/internal/store"
)

// Directory is a per-batch symbol → instrument id map. Read-only after load.
type Directory struct {
	ids map[string]int64
}

// LoadDirectory bulk-resolves the distinct symbols of a batch. Unknown
// symbols are simply absent; the coordinator turns that into a per-order
// UnknownInstrument failure.
func LoadDirectory(ctx context.Context, st store.Store, symbols []string) (*Directory, error) {
	distinct := dedupe(symbols)
	ids, err := st.ResolveSymbols(ctx, distinct)
	if err != nil {
		return nil, err
	}
	return &Directory{ids: ids}, nil
}

// InstrumentID looks a symbol up in the loaded directory.
func (d *Directory) InstrumentID(symbol string) (int64, bool) {
	id, ok := d.ids[symbol]
	return id, ok
}

// Resolver serves execution prices for a batch: a pre-resolved bulk map
// with a direct point-query fallback for cache misses.
type Resolver struct {
	st     store.Store
	prices map[store.QuoteKey]decimal.Decimal
}

// LoadResolver bulk-resolves the latest quote at or before each requested
// timestamp, one storage round trip for the whole batch.
func LoadResolver(ctx context.Context, st store.Store, keys []store.QuoteKey) (*Resolver, error) {
	prices, err := st.ResolveQuotes(ctx, dedupe(keys))
	if err != nil {
		return nil, err
	}
	return &Resolver{st: st, prices: prices}, nil
}

// Price returns the execution price for an instrument at a timestamp.
// Misses in the pre-resolved map fall back to a direct point query; if that
// also finds nothing the order fails with NoQuoteAvailable.
func (r *Resolver) Price(ctx context.Context, instrumentID int64, at time.Time) (decimal.Decimal, error) {
	k := store.NewQuoteKey(instrumentID, at)
	if price, ok := r.prices[k]; ok {
		return price, nil
	}

	price, err := r.st.PointQuote(ctx, instrumentID, k.At)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, &ledger.OrderError{
				Kind:    ledger.ErrNoQuoteAvailable,
				Message: "no quote available at or before " + k.At.Format(time.RFC3339),
			}
		}
		return decimal.Zero, err
	}

	r.prices[k] = price
	return price, nil
}

// dedupe preserves first-seen order while dropping repeats.
func dedupe[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
