package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions operate on a snapshot that replaces the live
// state on commit, so rollback semantics match the real store. Writers are
// not serialized against each other — tests drive it from one goroutine.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]model.Instrument // symbol -> instrument
	quotes      map[int64][]model.Quote     // instrument id -> ticks, sorted by time
	state       memState
}

type lotKey struct {
	userID       string
	instrumentID int64
}

// memState is the mutable ledger state a transaction snapshots.
type memState struct {
	accounts   map[string]model.Account
	openLots   map[lotKey]model.OpenLot
	closedLots []model.ClosedLot
	trades     []model.Trade
	processed  map[string]bool
}

func (st memState) clone() memState {
	c := memState{
		accounts:   make(map[string]model.Account, len(st.accounts)),
		openLots:   make(map[lotKey]model.OpenLot, len(st.openLots)),
		closedLots: append([]model.ClosedLot(nil), st.closedLots...),
		trades:     append([]model.Trade(nil), st.trades...),
		processed:  make(map[string]bool, len(st.processed)),
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.openLots {
		c.openLots[k] = v
	}
	for k := range st.processed {
		c.processed[k] = true
	}
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]model.Instrument),
		quotes:      make(map[int64][]model.Quote),
		state: memState{
			accounts:  make(map[string]model.Account),
			openLots:  make(map[lotKey]model.OpenLot),
			processed: make(map[string]bool),
		},
	}
}

// --- Seeding helpers (tests and local development) ---

// SeedAccount creates or replaces an account with the given cash balance.
func (s *MemoryStore) SeedAccount(userID string, cash decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.accounts[userID] = model.Account{UserID: userID, AvailableCash: cash}
}

// SeedInstrument registers reference data for a symbol.
func (s *MemoryStore) SeedInstrument(in model.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[in.Symbol] = in
}

// SeedQuote appends a tick to the quote feed.
func (s *MemoryStore) SeedQuote(q model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticks := append(s.quotes[q.InstrumentID], q)
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].CreatedAt.Before(ticks[j].CreatedAt) })
	s.quotes[q.InstrumentID] = ticks
}

// --- Reference data ---

func (s *MemoryStore) GetInstrumentBySymbol(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
	}
	return &in, nil
}

func (s *MemoryStore) GetInstrumentsByIDs(_ context.Context, ids []int64) (map[int64]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]model.Instrument, len(ids))
	for _, id := range ids {
		for _, in := range s.instruments {
			if in.ID == id {
				out[id] = in
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveSymbols(_ context.Context, symbols []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(symbols))
	for _, symbol := range symbols {
		if in, ok := s.instruments[symbol]; ok {
			out[symbol] = in.ID
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveQuotes(_ context.Context, keys []QuoteKey) (map[QuoteKey]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[QuoteKey]decimal.Decimal, len(keys))
	for _, k := range keys {
		if price, ok := s.latestAt(k.InstrumentID, k.At); ok {
			out[k] = price
		}
	}
	return out, nil
}

func (s *MemoryStore) PointQuote(_ context.Context, instrumentID int64, at time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.latestAt(instrumentID, at)
	if !ok {
		return decimal.Zero, fmt.Errorf("quote for instrument %d: %w", instrumentID, ErrNotFound)
	}
	return price, nil
}

// latestAt returns the most recent quote at or before the timestamp.
// Caller holds s.mu.
func (s *MemoryStore) latestAt(instrumentID int64, at time.Time) (decimal.Decimal, bool) {
	ticks := s.quotes[instrumentID]
	for i := len(ticks) - 1; i >= 0; i-- {
		if !ticks[i].CreatedAt.After(at) {
			return ticks[i].Price, true
		}
	}
	return decimal.Zero, false
}

// --- Account and position reads ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.state.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) GetOpenLotsByUser(_ context.Context, userID string) ([]model.OpenLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.OpenLot
	for k, l := range s.state.openLots {
		if k.userID == userID {
			lots = append(lots, l)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].BuyDate.Before(lots[j].BuyDate) })
	return lots, nil
}

func (s *MemoryStore) GetClosedLotsByUser(_ context.Context, userID string) ([]model.ClosedLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.ClosedLot
	for _, cl := range s.state.closedLots {
		if cl.UserID == userID {
			lots = append(lots, cl)
		}
	}
	return lots, nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.state.trades {
		if t.UserID == userID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// --- Transactions ---

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{store: s, state: s.state.clone()}, nil
}

type memTx struct {
	store *MemoryStore
	state memState
	done  bool
}

func (t *memTx) AccountForUpdate(_ context.Context, userID string) (*model.Account, error) {
	a, ok := t.state.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	return &a, nil
}

func (t *memTx) UpdateAccountCash(_ context.Context, userID string, cash decimal.Decimal) error {
	a, ok := t.state.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	a.AvailableCash = cash
	t.state.accounts[userID] = a
	return nil
}

func (t *memTx) OpenLotForUpdate(_ context.Context, userID string, instrumentID int64) (*model.OpenLot, error) {
	l, ok := t.state.openLots[lotKey{userID, instrumentID}]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (t *memTx) UpsertOpenLot(_ context.Context, lot *model.OpenLot) error {
	t.state.openLots[lotKey{lot.UserID, lot.InstrumentID}] = *lot
	return nil
}

func (t *memTx) DeleteOpenLot(_ context.Context, userID string, instrumentID int64) error {
	delete(t.state.openLots, lotKey{userID, instrumentID})
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.state.trades = append(t.state.trades, *tr)
	return nil
}

func (t *memTx) InsertClosedLot(_ context.Context, cl *model.ClosedLot) error {
	t.state.closedLots = append(t.state.closedLots, *cl)
	return nil
}

func (t *memTx) MarkOrderProcessed(_ context.Context, orderID string) (bool, error) {
	if t.state.processed[orderID] {
		return false, nil
	}
	t.state.processed[orderID] = true
	return true, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.state = t.state
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	// Snapshot is simply discarded.
	t.done = true
	return nil
}
