// Package store defines the persistence interface for the order engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for reference data), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/papertrade/order-engine/internal/model"
	"github.com/shopspring/decimal"
)

// Storage-level sentinel errors. Implementations map their driver errors to
// these; callers never see raw driver internals.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a row lock could not be acquired (lock timeout,
	// deadlock victim, or serialization failure). The order is retryable.
	ErrConflict = errors.New("storage conflict")
)

// QuoteKey identifies one bulk quote lookup: the latest quote for an
// instrument at or before At. Build keys with NewQuoteKey so map lookups
// compare cleanly.
type QuoteKey struct {
	InstrumentID int64
	At           time.Time
}

// NewQuoteKey normalizes the timestamp to UTC at microsecond precision,
// the resolution a TIMESTAMPTZ round-trips at. A trade time carrying
// nanoseconds would otherwise never match the key rebuilt from a bulk
// query result.
func NewQuoteKey(instrumentID int64, at time.Time) QuoteKey {
	return QuoteKey{InstrumentID: instrumentID, At: at.UTC().Truncate(time.Microsecond)}
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for instrument and quote reads.
type Store interface {
	// --- Reference data (read-only for this engine) ---

	// GetInstrumentBySymbol retrieves one instrument by its symbol.
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error)

	// GetInstrumentsByIDs retrieves instruments keyed by id.
	GetInstrumentsByIDs(ctx context.Context, ids []int64) (map[int64]model.Instrument, error)

	// ResolveSymbols maps the given symbols to instrument ids in one bulk
	// pass. Unknown symbols are simply absent from the result.
	ResolveSymbols(ctx context.Context, symbols []string) (map[string]int64, error)

	// ResolveQuotes returns, for each key, the latest quote price with
	// timestamp <= key.At, in one bulk pass. Keys with no applicable quote
	// are absent from the result.
	ResolveQuotes(ctx context.Context, keys []QuoteKey) (map[QuoteKey]decimal.Decimal, error)

	// PointQuote is the direct single-key fallback for bulk cache misses.
	// Returns ErrNotFound if no quote exists at or before the timestamp.
	PointQuote(ctx context.Context, instrumentID int64, at time.Time) (decimal.Decimal, error)

	// --- Account and position reads ---

	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	GetOpenLotsByUser(ctx context.Context, userID string) ([]model.OpenLot, error)
	GetClosedLotsByUser(ctx context.Context, userID string) ([]model.ClosedLot, error)
	GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// Begin opens a storage transaction for ledger mutations.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one storage transaction. The ledger engine performs every mutation
// for an order through a single Tx; the batch coordinator decides whether a
// Tx spans one order (best-effort mode) or the whole batch (atomic mode).
type Tx interface {
	// AccountForUpdate reads the account row under an exclusive lock held
	// until commit or rollback. Returns ErrNotFound for unknown users.
	AccountForUpdate(ctx context.Context, userID string) (*model.Account, error)

	// UpdateAccountCash sets the account's available cash.
	UpdateAccountCash(ctx context.Context, userID string, cash decimal.Decimal) error

	// OpenLotForUpdate reads the (user, instrument) open lot under an
	// exclusive lock. Returns (nil, nil) when no lot exists — absence is a
	// normal case, not an error.
	OpenLotForUpdate(ctx context.Context, userID string, instrumentID int64) (*model.OpenLot, error)

	// UpsertOpenLot inserts the lot or replaces the existing row for the
	// same (user, instrument) pair. The unique key on that pair is what
	// prevents two concurrent batches from creating duplicate lots.
	UpsertOpenLot(ctx context.Context, lot *model.OpenLot) error

	// DeleteOpenLot removes a fully liquidated lot.
	DeleteOpenLot(ctx context.Context, userID string, instrumentID int64) error

	InsertTrade(ctx context.Context, t *model.Trade) error
	InsertClosedLot(ctx context.Context, cl *model.ClosedLot) error

	// MarkOrderProcessed records the order id for redelivery defense.
	// Returns false if the id was already recorded by a committed batch.
	MarkOrderProcessed(ctx context.Context, orderID string) (bool, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
