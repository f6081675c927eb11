package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/ledger"
	"github.com/papertrade/order-engine/internal/model"
	"github.com/papertrade/order-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var tradeTime = time.Date(2025, 11, 7, 10, 30, 0, 0, time.UTC)

// newTestEnv creates an engine with an in-memory store seeded with one
// account (10000 cash) and one instrument.
func newTestEnv(t *testing.T) (*ledger.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SeedAccount("user1", d(10000))
	ms.SeedInstrument(model.Instrument{ID: 1, Symbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE"})
	return ledger.NewEngine(), ms
}

// apply runs one order in its own transaction, committing on success and
// rolling back on failure — the best-effort path the coordinator uses.
func apply(t *testing.T, eng *ledger.Engine, ms *store.MemoryStore, o ledger.Order) (*ledger.Result, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err := eng.ApplyOrder(ctx, tx, o)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			t.Fatalf("rollback: %v", rbErr)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return res, nil
}

func buy(id string, qty int64, price float64) ledger.Order {
	return ledger.Order{
		OrderID: id, UserID: "user1", InstrumentID: 1, Symbol: "RELIANCE",
		Side: model.SideBuy, Quantity: qty, Price: d(price), TradeTime: tradeTime,
	}
}

func sell(id string, qty int64, price float64) ledger.Order {
	o := buy(id, qty, price)
	o.Side = model.SideSell
	return o
}

func cash(t *testing.T, ms *store.MemoryStore) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), "user1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.AvailableCash
}

func openLots(t *testing.T, ms *store.MemoryStore) []model.OpenLot {
	t.Helper()
	lots, err := ms.GetOpenLotsByUser(context.Background(), "user1")
	if err != nil {
		t.Fatalf("get lots: %v", err)
	}
	return lots
}

// --- BUY ---

func TestApplyOrder_BuyCreatesLot(t *testing.T) {
	eng, ms := newTestEnv(t)

	res, err := apply(t, eng, ms, buy("o1", 10, 100))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if res.Action != model.ActionCreatedLot {
		t.Errorf("expected created_lot, got %s", res.Action)
	}
	if res.TradeID == "" {
		t.Error("expected non-empty trade id")
	}
	if res.NewTotalQuantity != 10 {
		t.Errorf("expected quantity 10, got %d", res.NewTotalQuantity)
	}
	if !res.NewAvgPrice.Equal(d(100)) {
		t.Errorf("expected avg price 100, got %s", res.NewAvgPrice)
	}
	if !cash(t, ms).Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", cash(t, ms))
	}

	lots := openLots(t, ms)
	if len(lots) != 1 {
		t.Fatalf("expected 1 open lot, got %d", len(lots))
	}
	if lots[0].Quantity != 10 || !lots[0].BuyPrice.Equal(d(100)) {
		t.Errorf("unexpected lot state: qty=%d price=%s", lots[0].Quantity, lots[0].BuyPrice)
	}
}

func TestApplyOrder_BuyMergesWeightedAverage(t *testing.T) {
	eng, ms := newTestEnv(t)

	if _, err := apply(t, eng, ms, buy("o1", 10, 100)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	res, err := apply(t, eng, ms, buy("o2", 10, 200))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	if res.Action != model.ActionUpdatedLot {
		t.Errorf("expected updated_lot, got %s", res.Action)
	}
	if res.NewTotalQuantity != 20 {
		t.Errorf("expected quantity 20, got %d", res.NewTotalQuantity)
	}
	if !res.NewAvgPrice.Equal(d(150)) {
		t.Errorf("expected avg price 150, got %s", res.NewAvgPrice)
	}

	lots := openLots(t, ms)
	if len(lots) != 1 {
		t.Fatalf("merging must not create a second lot, got %d", len(lots))
	}
}

func TestApplyOrder_BuyInsufficientFunds(t *testing.T) {
	eng, ms := newTestEnv(t)

	_, err := apply(t, eng, ms, buy("o1", 200, 100)) // cost 20000 > 10000
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Zero partial mutation.
	if !cash(t, ms).Equal(d(10000)) {
		t.Errorf("cash must be unchanged, got %s", cash(t, ms))
	}
	if len(openLots(t, ms)) != 0 {
		t.Error("no lot should exist after a rejected buy")
	}
	trades, _ := ms.GetTradesByUser(context.Background(), "user1")
	if len(trades) != 0 {
		t.Error("rejected orders must not produce trades")
	}
}

// --- SELL ---

func TestApplyOrder_SellFullLiquidation(t *testing.T) {
	eng, ms := newTestEnv(t)

	if _, err := apply(t, eng, ms, buy("o1", 10, 100)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := apply(t, eng, ms, sell("o2", 10, 120))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if res.Action != model.ActionClosedLot {
		t.Errorf("expected closed_lot, got %s", res.Action)
	}
	if !res.PnL.Equal(d(200)) {
		t.Errorf("expected pnl 200, got %s", res.PnL)
	}
	if !res.PnLPercent.Equal(d(20)) {
		t.Errorf("expected pnl percent 20, got %s", res.PnLPercent)
	}
	if len(openLots(t, ms)) != 0 {
		t.Error("full liquidation must delete the open lot")
	}
	// 10000 - 1000 + 1200.
	if !cash(t, ms).Equal(d(10200)) {
		t.Errorf("expected cash 10200, got %s", cash(t, ms))
	}

	closed, _ := ms.GetClosedLotsByUser(context.Background(), "user1")
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed lot, got %d", len(closed))
	}
	if closed[0].Quantity != 10 || !closed[0].PnL.Equal(d(200)) {
		t.Errorf("unexpected closed lot: qty=%d pnl=%s", closed[0].Quantity, closed[0].PnL)
	}
}

func TestApplyOrder_PartialSellKeepsBasis(t *testing.T) {
	eng, ms := newTestEnv(t)

	if _, err := apply(t, eng, ms, buy("o1", 10, 100)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := apply(t, eng, ms, sell("o2", 4, 150))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if !res.PnL.Equal(d(200)) {
		t.Errorf("expected pnl 200, got %s", res.PnL)
	}

	lots := openLots(t, ms)
	if len(lots) != 1 {
		t.Fatalf("expected remaining lot, got %d", len(lots))
	}
	if lots[0].Quantity != 6 {
		t.Errorf("expected remaining quantity 6, got %d", lots[0].Quantity)
	}
	if !lots[0].BuyPrice.Equal(d(100)) {
		t.Errorf("partial sell must not change cost basis, got %s", lots[0].BuyPrice)
	}

	closed, _ := ms.GetClosedLotsByUser(context.Background(), "user1")
	if len(closed) != 1 || closed[0].Quantity != 4 {
		t.Fatalf("expected one closed lot of 4, got %+v", closed)
	}
}

func TestApplyOrder_SellNoOpenPosition(t *testing.T) {
	eng, ms := newTestEnv(t)

	_, err := apply(t, eng, ms, sell("o1", 5, 100))
	if !errors.Is(err, ledger.ErrNoOpenPosition) {
		t.Fatalf("expected ErrNoOpenPosition, got %v", err)
	}
	if !cash(t, ms).Equal(d(10000)) {
		t.Errorf("cash must be unchanged, got %s", cash(t, ms))
	}
}

func TestApplyOrder_SellInsufficientQuantity(t *testing.T) {
	eng, ms := newTestEnv(t)

	if _, err := apply(t, eng, ms, buy("o1", 5, 100)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	_, err := apply(t, eng, ms, sell("o2", 6, 100))
	if !errors.Is(err, ledger.ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}

	// Lot must be left unchanged.
	lots := openLots(t, ms)
	if len(lots) != 1 || lots[0].Quantity != 5 {
		t.Fatalf("lot must be unchanged, got %+v", lots)
	}
}

// --- Validation and redelivery ---

func TestApplyOrder_InvalidInputs(t *testing.T) {
	eng, ms := newTestEnv(t)

	o := buy("o1", 0, 100)
	if _, err := apply(t, eng, ms, o); !errors.Is(err, ledger.ErrInvalidOrder) {
		t.Errorf("zero quantity: expected ErrInvalidOrder, got %v", err)
	}

	o = buy("o2", 10, 100)
	o.Price = decimal.Zero
	if _, err := apply(t, eng, ms, o); !errors.Is(err, ledger.ErrInvalidOrder) {
		t.Errorf("zero price: expected ErrInvalidOrder, got %v", err)
	}

	o = buy("o3", 10, 100)
	o.Side = "HOLD"
	if _, err := apply(t, eng, ms, o); !errors.Is(err, ledger.ErrInvalidOrder) {
		t.Errorf("bad side: expected ErrInvalidOrder, got %v", err)
	}
}

func TestApplyOrder_DuplicateOrderRejected(t *testing.T) {
	eng, ms := newTestEnv(t)

	if _, err := apply(t, eng, ms, buy("o1", 10, 100)); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, err := apply(t, eng, ms, buy("o1", 10, 100))
	if !errors.Is(err, ledger.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}

	// Replay must not double the effect.
	if !cash(t, ms).Equal(d(9000)) {
		t.Errorf("expected cash 9000 after replay, got %s", cash(t, ms))
	}
	if lots := openLots(t, ms); len(lots) != 1 || lots[0].Quantity != 10 {
		t.Fatalf("lot must be unchanged by replay, got %+v", lots)
	}
}

// --- Conservation ---

// Cash plus cost basis of holdings changes only by realized P&L.
func TestApplyOrder_Conservation(t *testing.T) {
	eng, ms := newTestEnv(t)

	orders := []ledger.Order{
		buy("c1", 10, 100),
		buy("c2", 20, 130),
		sell("c3", 5, 150),
		buy("c4", 3, 90),
		sell("c5", 12, 110),
	}

	realized := decimal.Zero
	for _, o := range orders {
		res, err := apply(t, eng, ms, o)
		if err != nil {
			t.Fatalf("order %s failed: %v", o.OrderID, err)
		}
		if o.Side == model.SideSell {
			realized = realized.Add(res.PnL)
		}
	}

	basis := decimal.Zero
	for _, l := range openLots(t, ms) {
		basis = basis.Add(l.CostBasis())
	}

	got := cash(t, ms).Add(basis)
	want := d(10000).Add(realized)
	if got.Sub(want).Abs().GreaterThan(d(0.01)) {
		t.Errorf("conservation violated: cash+basis=%s, initial+realized=%s", got, want)
	}
}
