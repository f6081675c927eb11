package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for reference data. Instruments and quotes are written upstream of
// this engine, so entries expire on TTL instead of being invalidated.
// Ledger state (accounts, lots, trades) always goes to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(symbol)).Bytes()
	if err == nil {
		var in model.Instrument
		if json.Unmarshal(data, &in) == nil {
			return &in, nil
		}
	}

	in, err := s.primary.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, in)
	return in, nil
}

func (s *CachedStore) ResolveSymbols(ctx context.Context, symbols []string) (map[string]int64, error) {
	out := make(map[string]int64, len(symbols))
	var misses []string

	// Symbol ids are cached under their own key: the full-record key used
	// by GetInstrumentBySymbol must never be populated with a partial row.
	for _, symbol := range symbols {
		idS, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
		if err != nil {
			misses = append(misses, symbol)
			continue
		}
		id, perr := strconv.ParseInt(idS, 10, 64)
		if perr != nil {
			misses = append(misses, symbol)
			continue
		}
		out[symbol] = id
	}

	if len(misses) > 0 {
		resolved, err := s.primary.ResolveSymbols(ctx, misses)
		if err != nil {
			return nil, err
		}
		for symbol, id := range resolved {
			out[symbol] = id
			s.rdb.Set(ctx, symbolKey(symbol), strconv.FormatInt(id, 10), s.ttl)
		}
	}
	return out, nil
}

func (s *CachedStore) ResolveQuotes(ctx context.Context, keys []QuoteKey) (map[QuoteKey]decimal.Decimal, error) {
	out := make(map[QuoteKey]decimal.Decimal, len(keys))
	var misses []QuoteKey

	for _, k := range keys {
		priceS, err := s.rdb.Get(ctx, quoteKey(k)).Result()
		if err != nil {
			misses = append(misses, k)
			continue
		}
		price, perr := decimal.NewFromString(priceS)
		if perr != nil {
			misses = append(misses, k)
			continue
		}
		out[k] = price
	}

	if len(misses) > 0 {
		resolved, err := s.primary.ResolveQuotes(ctx, misses)
		if err != nil {
			return nil, err
		}
		for k, price := range resolved {
			out[k] = price
			s.rdb.Set(ctx, quoteKey(k), price.String(), s.ttl)
		}
	}
	return out, nil
}

func (s *CachedStore) PointQuote(ctx context.Context, instrumentID int64, at time.Time) (decimal.Decimal, error) {
	k := NewQuoteKey(instrumentID, at)
	priceS, err := s.rdb.Get(ctx, quoteKey(k)).Result()
	if err == nil {
		if price, perr := decimal.NewFromString(priceS); perr == nil {
			return price, nil
		}
	}

	price, err := s.primary.PointQuote(ctx, instrumentID, at)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, quoteKey(k), price.String(), s.ttl)
	return price, nil
}

// --- Passthrough (ledger state is never cached) ---

func (s *CachedStore) GetInstrumentsByIDs(ctx context.Context, ids []int64) (map[int64]model.Instrument, error) {
	return s.primary.GetInstrumentsByIDs(ctx, ids)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) GetOpenLotsByUser(ctx context.Context, userID string) ([]model.OpenLot, error) {
	return s.primary.GetOpenLotsByUser(ctx, userID)
}

func (s *CachedStore) GetClosedLotsByUser(ctx context.Context, userID string) ([]model.ClosedLot, error) {
	return s.primary.GetClosedLotsByUser(ctx, userID)
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.GetTradesByUser(ctx, userID)
}

func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	return s.primary.Begin(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, in *model.Instrument) {
	if data, err := json.Marshal(in); err == nil {
		s.rdb.Set(ctx, instrumentKey(in.Symbol), data, s.ttl)
	}
}

func instrumentKey(symbol string) string { return fmt.Sprintf("instrument:%s", symbol) }

func symbolKey(symbol string) string { return fmt.Sprintf("instrument_id:%s", symbol) }

func quoteKey(k QuoteKey) string {
	return fmt.Sprintf("quote:%d:%d", k.InstrumentID, k.At.UnixMicro())
}
