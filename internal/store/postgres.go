package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row locks (SELECT ... FOR UPDATE) on accounts and open_lots serialize
// concurrent batches touching the same user or position.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the engine's tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// mapPgErr converts driver errors to the store's sentinel errors so callers
// never branch on raw PostgreSQL internals.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
		}
	}
	return err
}

// --- Reference data ---

func (s *PostgresStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	var in model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, exchange FROM instruments WHERE symbol = $1`, symbol).
		Scan(&in.ID, &in.Symbol, &in.Name, &in.Exchange)
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", symbol, mapPgErr(err))
	}
	return &in, nil
}

func (s *PostgresStore) GetInstrumentsByIDs(ctx context.Context, ids []int64) (map[int64]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, exchange FROM instruments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]model.Instrument, len(ids))
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.ID, &in.Symbol, &in.Name, &in.Exchange); err != nil {
			return nil, err
		}
		out[in.ID] = in
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveSymbols(ctx context.Context, symbols []string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, id FROM instruments WHERE symbol = ANY($1)`, symbols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64, len(symbols))
	for rows.Next() {
		var symbol string
		var id int64
		if err := rows.Scan(&symbol, &id); err != nil {
			return nil, err
		}
		out[symbol] = id
	}
	return out, rows.Err()
}

// ResolveQuotes resolves every (instrument, timestamp) pair in one round
// trip: unnest the key arrays and pick the latest quote at or before each
// requested time via a lateral limit-1 scan on the (instrument_id,
// created_at DESC) index.
func (s *PostgresStore) ResolveQuotes(ctx context.Context, keys []QuoteKey) (map[QuoteKey]decimal.Decimal, error) {
	if len(keys) == 0 {
		return map[QuoteKey]decimal.Decimal{}, nil
	}

	ids := make([]int64, len(keys))
	ats := make([]time.Time, len(keys))
	for i, k := range keys {
		ids[i] = k.InstrumentID
		ats[i] = k.At
	}

	rows, err := s.pool.Query(ctx,
		`SELECT k.instrument_id, k.at, q.price::TEXT
		 FROM unnest($1::BIGINT[], $2::TIMESTAMPTZ[]) AS k(instrument_id, at)
		 JOIN LATERAL (
		     SELECT price FROM quotes
		     WHERE instrument_id = k.instrument_id AND created_at <= k.at
		     ORDER BY created_at DESC
		     LIMIT 1
		 ) q ON TRUE`,
		ids, ats)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[QuoteKey]decimal.Decimal, len(keys))
	for rows.Next() {
		var id int64
		var at time.Time
		var priceS string
		if err := rows.Scan(&id, &at, &priceS); err != nil {
			return nil, err
		}
		price, _ := decimal.NewFromString(priceS)
		out[NewQuoteKey(id, at)] = price
	}
	return out, rows.Err()
}

func (s *PostgresStore) PointQuote(ctx context.Context, instrumentID int64, at time.Time) (decimal.Decimal, error) {
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM quotes
		 WHERE instrument_id = $1 AND created_at <= $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		instrumentID, at).Scan(&priceS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("point quote %d: %w", instrumentID, mapPgErr(err))
	}
	price, _ := decimal.NewFromString(priceS)
	return price, nil
}

// --- Account and position reads ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var cashS string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, available_cash::TEXT FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &cashS)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, mapPgErr(err))
	}
	a.AvailableCash, _ = decimal.NewFromString(cashS)
	return &a, nil
}

func (s *PostgresStore) GetOpenLotsByUser(ctx context.Context, userID string) ([]model.OpenLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, quantity, buy_price::TEXT, buy_date
		 FROM open_lots WHERE user_id = $1 ORDER BY buy_date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.OpenLot
	for rows.Next() {
		var l model.OpenLot
		var priceS string
		if err := rows.Scan(&l.ID, &l.UserID, &l.InstrumentID, &l.Quantity, &priceS, &l.BuyDate); err != nil {
			return nil, err
		}
		l.BuyPrice, _ = decimal.NewFromString(priceS)
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) GetClosedLotsByUser(ctx context.Context, userID string) ([]model.ClosedLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, lot_id, instrument_id, buy_date, buy_price::TEXT,
		        sell_date, sell_price::TEXT, quantity, pnl::TEXT
		 FROM closed_lots WHERE user_id = $1 ORDER BY sell_date DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.ClosedLot
	for rows.Next() {
		var cl model.ClosedLot
		var buyS, sellS, pnlS string
		if err := rows.Scan(&cl.ID, &cl.UserID, &cl.LotID, &cl.InstrumentID,
			&cl.BuyDate, &buyS, &cl.SellDate, &sellS, &cl.Quantity, &pnlS); err != nil {
			return nil, err
		}
		cl.BuyPrice, _ = decimal.NewFromString(buyS)
		cl.SellPrice, _ = decimal.NewFromString(sellS)
		cl.PnL, _ = decimal.NewFromString(pnlS)
		lots = append(lots, cl)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, side, quantity, price::TEXT, status, order_date
		 FROM trades WHERE user_id = $1 ORDER BY order_date DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.InstrumentID, &t.Side,
			&t.Quantity, &priceS, &t.Status, &t.OrderDate); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", mapPgErr(err))
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AccountForUpdate(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var cashS string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id, available_cash::TEXT FROM accounts WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&a.UserID, &cashS)
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", userID, mapPgErr(err))
	}
	a.AvailableCash, _ = decimal.NewFromString(cashS)
	return &a, nil
}

func (t *pgTx) UpdateAccountCash(ctx context.Context, userID string, cash decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET available_cash = $2::NUMERIC WHERE user_id = $1`,
		userID, cash.String())
	return mapPgErr(err)
}

func (t *pgTx) OpenLotForUpdate(ctx context.Context, userID string, instrumentID int64) (*model.OpenLot, error) {
	var l model.OpenLot
	var priceS string
	err := t.tx.QueryRow(ctx,
		`SELECT id, user_id, instrument_id, quantity, buy_price::TEXT, buy_date
		 FROM open_lots WHERE user_id = $1 AND instrument_id = $2 FOR UPDATE`,
		userID, instrumentID).
		Scan(&l.ID, &l.UserID, &l.InstrumentID, &l.Quantity, &priceS, &l.BuyDate)
	if err != nil {
		if errors.Is(mapPgErr(err), ErrNotFound) {
			return nil, nil // no open position
		}
		return nil, fmt.Errorf("lock lot %s/%d: %w", userID, instrumentID, mapPgErr(err))
	}
	l.BuyPrice, _ = decimal.NewFromString(priceS)
	return &l, nil
}

func (t *pgTx) UpsertOpenLot(ctx context.Context, lot *model.OpenLot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO open_lots (id, user_id, instrument_id, quantity, buy_price, buy_date)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, instrument_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, buy_price = EXCLUDED.buy_price`,
		lot.ID, lot.UserID, lot.InstrumentID, lot.Quantity, lot.BuyPrice.String(), lot.BuyDate)
	return mapPgErr(err)
}

func (t *pgTx) DeleteOpenLot(ctx context.Context, userID string, instrumentID int64) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM open_lots WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID)
	return mapPgErr(err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, instrument_id, side, quantity, price, status, order_date)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		tr.ID, tr.UserID, tr.InstrumentID, tr.Side, tr.Quantity,
		tr.Price.String(), tr.Status, tr.OrderDate)
	return mapPgErr(err)
}

func (t *pgTx) InsertClosedLot(ctx context.Context, cl *model.ClosedLot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO closed_lots (id, user_id, lot_id, instrument_id, buy_date, buy_price,
		                          sell_date, sell_price, quantity, pnl)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10::NUMERIC)`,
		cl.ID, cl.UserID, cl.LotID, cl.InstrumentID, cl.BuyDate, cl.BuyPrice.String(),
		cl.SellDate, cl.SellPrice.String(), cl.Quantity, cl.PnL.String())
	return mapPgErr(err)
}

func (t *pgTx) MarkOrderProcessed(ctx context.Context, orderID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO processed_orders (order_id) VALUES ($1) ON CONFLICT (order_id) DO NOTHING`,
		orderID)
	if err != nil {
		return false, mapPgErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapPgErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
