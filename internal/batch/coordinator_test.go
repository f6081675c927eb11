package batch_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/batch"
	"github.com/papertrade/order-engine/internal/model"
	"github.com/papertrade/order-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var tradeTime = time.Date(2025, 11, 7, 10, 30, 0, 0, time.UTC)

// newTestEnv seeds one funded account and two quoted instruments:
// RELIANCE at 100 and TCS at 50, both quoted one hour before tradeTime.
func newTestEnv(t *testing.T) (*batch.Coordinator, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SeedAccount("user1", d(10000))
	ms.SeedInstrument(model.Instrument{ID: 1, Symbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE"})
	ms.SeedInstrument(model.Instrument{ID: 2, Symbol: "TCS", Name: "Tata Consultancy Services", Exchange: "NSE"})
	ms.SeedQuote(model.Quote{InstrumentID: 1, Price: d(100), CreatedAt: tradeTime.Add(-time.Hour)})
	ms.SeedQuote(model.Quote{InstrumentID: 2, Price: d(50), CreatedAt: tradeTime.Add(-time.Hour)})
	return batch.NewCoordinator(ms), ms
}

func order(id, symbol string, side model.Side, qty int64) model.OrderRequest {
	return model.OrderRequest{
		OrderID:   id,
		UserID:    "user1",
		Side:      side,
		Symbol:    symbol,
		Quantity:  qty,
		TradeTime: model.Timestamp{Time: tradeTime},
	}
}

func cash(t *testing.T, ms *store.MemoryStore) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), "user1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.AvailableCash
}

func TestProcessBatch_BuyFill(t *testing.T) {
	c, ms := newTestEnv(t)

	res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
	}, false)

	if !res.Success {
		t.Fatalf("expected batch success, got %+v", res)
	}
	if len(res.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(res.Results))
	}
	r := res.Results[0].Result
	if !r.Success || r.Action != model.ActionCreatedLot {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.NewTotalQuantity == nil || *r.NewTotalQuantity != 10 {
		t.Errorf("expected new quantity 10, got %v", r.NewTotalQuantity)
	}
	if r.NewAvgPrice == nil || !r.NewAvgPrice.Equal(d(100)) {
		t.Errorf("expected avg price 100 (resolved quote), got %v", r.NewAvgPrice)
	}
	if !cash(t, ms).Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", cash(t, ms))
	}
}

// The execution price is the latest quote at or before trade time; a later
// tick must not leak backwards.
func TestProcessBatch_QuoteAtOrBefore(t *testing.T) {
	c, ms := newTestEnv(t)
	ms.SeedQuote(model.Quote{InstrumentID: 1, Price: d(120), CreatedAt: tradeTime.Add(time.Hour)})
	ms.SeedQuote(model.Quote{InstrumentID: 1, Price: d(105), CreatedAt: tradeTime.Add(-time.Minute)})

	res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
	}, false)

	r := res.Results[0].Result
	if r.NewAvgPrice == nil || !r.NewAvgPrice.Equal(d(105)) {
		t.Fatalf("expected price 105 from latest tick at or before trade time, got %v", r.NewAvgPrice)
	}
}

func TestProcessBatch_AtomicRollsBackWholeBatch(t *testing.T) {
	c, ms := newTestEnv(t)

	orders := []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
		order("o2", "RELIANCE", model.SideBuy, 200), // 20000 > available cash
		order("o3", "TCS", model.SideBuy, 5),
	}
	res := c.ProcessBatch(context.Background(), orders, true)

	if res.Success {
		t.Fatal("expected batch failure")
	}
	if len(res.Results) != 1 || res.Results[0].OrderID != "o2" {
		t.Fatalf("expected a single result naming o2, got %+v", res.Results)
	}
	if !strings.Contains(res.Results[0].Result.Message, "insufficient funds") {
		t.Errorf("unexpected failure message: %q", res.Results[0].Result.Message)
	}

	// Nothing from the batch may be visible, including the orders that
	// succeeded before the failure.
	if !cash(t, ms).Equal(d(10000)) {
		t.Errorf("cash must be untouched, got %s", cash(t, ms))
	}
	lots, _ := ms.GetOpenLotsByUser(context.Background(), "user1")
	if len(lots) != 0 {
		t.Errorf("no lots may be committed, got %d", len(lots))
	}
	trades, _ := ms.GetTradesByUser(context.Background(), "user1")
	if len(trades) != 0 {
		t.Errorf("no trades may be committed, got %d", len(trades))
	}
}

func TestProcessBatch_BestEffortIsolatesFailures(t *testing.T) {
	c, ms := newTestEnv(t)

	orders := []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
		order("o2", "RELIANCE", model.SideBuy, 200),
		order("o3", "TCS", model.SideBuy, 5),
	}
	res := c.ProcessBatch(context.Background(), orders, false)

	if !res.Success {
		t.Fatal("best-effort batches always report overall success")
	}
	if len(res.Results) != 3 {
		t.Fatalf("every order needs an outcome, got %d", len(res.Results))
	}
	if !res.Results[0].Result.Success || !res.Results[2].Result.Success {
		t.Errorf("orders 1 and 3 must commit: %+v", res.Results)
	}
	if res.Results[1].Result.Success {
		t.Error("order 2 must be rejected")
	}
	if res.Results[1].Result.Retryable {
		t.Error("a business rejection is terminal, not retryable")
	}

	// 10000 - 10*100 - 5*50.
	if !cash(t, ms).Equal(d(8750)) {
		t.Errorf("expected cash 8750, got %s", cash(t, ms))
	}
	lots, _ := ms.GetOpenLotsByUser(context.Background(), "user1")
	if len(lots) != 2 {
		t.Errorf("expected 2 open lots, got %d", len(lots))
	}
}

// Earlier orders in a batch are visible to later ones: a buy followed by a
// sell of the same position settles within one batch.
func TestProcessBatch_InOrderEffects(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		c, ms := newTestEnv(t)

		res := c.ProcessBatch(context.Background(), []model.OrderRequest{
			order("o1", "RELIANCE", model.SideBuy, 5),
			order("o2", "RELIANCE", model.SideSell, 5),
		}, atomic)

		if !res.Success {
			t.Fatalf("atomic=%v: expected success, got %+v", atomic, res)
		}
		if !res.Results[1].Result.Success || res.Results[1].Result.Action != model.ActionClosedLot {
			t.Fatalf("atomic=%v: sell must see the preceding buy, got %+v", atomic, res.Results[1].Result)
		}
		lots, _ := ms.GetOpenLotsByUser(context.Background(), "user1")
		if len(lots) != 0 {
			t.Errorf("atomic=%v: buy-then-sell must leave no open lot", atomic)
		}
		if !cash(t, ms).Equal(d(10000)) {
			t.Errorf("atomic=%v: flat round trip at one price must restore cash, got %s", atomic, cash(t, ms))
		}
	}
}

func TestProcessBatch_UnknownInstrument(t *testing.T) {
	c, ms := newTestEnv(t)

	res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "GHOST", model.SideBuy, 1),
	}, false)

	r := res.Results[0].Result
	if r.Success || !strings.Contains(r.Message, "unknown instrument") {
		t.Fatalf("expected unknown instrument rejection, got %+v", r)
	}
	if !cash(t, ms).Equal(d(10000)) {
		t.Errorf("cash must be untouched, got %s", cash(t, ms))
	}
}

func TestProcessBatch_NoQuoteAvailable(t *testing.T) {
	c, ms := newTestEnv(t)
	ms.SeedInstrument(model.Instrument{ID: 3, Symbol: "NEWIPO", Name: "Unquoted Listing", Exchange: "NSE"})

	res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "NEWIPO", model.SideBuy, 1),
	}, false)

	r := res.Results[0].Result
	if r.Success || !strings.Contains(r.Message, "no quote") {
		t.Fatalf("expected no-quote rejection, got %+v", r)
	}
}

// Redelivering an already committed batch must not apply anything twice.
func TestProcessBatch_IdempotentRedelivery(t *testing.T) {
	c, ms := newTestEnv(t)

	orders := []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
		order("o2", "TCS", model.SideBuy, 4),
	}
	first := c.ProcessBatch(context.Background(), orders, false)
	if !first.Results[0].Result.Success || !first.Results[1].Result.Success {
		t.Fatalf("first delivery must fill: %+v", first.Results)
	}
	cashAfterFirst := cash(t, ms)

	second := c.ProcessBatch(context.Background(), orders, false)
	for _, out := range second.Results {
		if out.Result.Success {
			t.Errorf("order %s re-applied on redelivery", out.OrderID)
		}
		if !strings.Contains(out.Result.Message, "already processed") {
			t.Errorf("order %s: unexpected message %q", out.OrderID, out.Result.Message)
		}
	}
	if !cash(t, ms).Equal(cashAfterFirst) {
		t.Errorf("redelivery changed cash: %s -> %s", cashAfterFirst, cash(t, ms))
	}
}

// A committed atomic batch that comes back (worker crash or ack failure
// after commit) must settle as duplicates, not abort forever.
func TestProcessBatch_AtomicReplayOfCommittedBatch(t *testing.T) {
	c, ms := newTestEnv(t)

	orders := []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
		order("o2", "TCS", model.SideBuy, 4),
	}
	first := c.ProcessBatch(context.Background(), orders, true)
	if !first.Success {
		t.Fatalf("first delivery must commit: %+v", first)
	}
	cashAfterFirst := cash(t, ms)

	second := c.ProcessBatch(context.Background(), orders, true)
	if !second.Success {
		t.Fatalf("replay of a committed batch must not abort: %+v", second)
	}
	if len(second.Results) != 2 {
		t.Fatalf("every replayed order needs an outcome, got %d", len(second.Results))
	}
	for _, out := range second.Results {
		r := out.Result
		if r.Success {
			t.Errorf("order %s re-applied on replay", out.OrderID)
		}
		if !strings.Contains(r.Message, "already processed") {
			t.Errorf("order %s: unexpected message %q", out.OrderID, r.Message)
		}
		if r.Retryable {
			t.Errorf("order %s: a duplicate is settled and must be acknowledged", out.OrderID)
		}
	}
	if !cash(t, ms).Equal(cashAfterFirst) {
		t.Errorf("replay changed cash: %s -> %s", cashAfterFirst, cash(t, ms))
	}
}

// A duplicate in the middle of an atomic batch must not block the orders
// around it.
func TestProcessBatch_AtomicDuplicateDoesNotAbortRest(t *testing.T) {
	c, ms := newTestEnv(t)

	if res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
	}, true); !res.Success {
		t.Fatalf("seed batch failed: %+v", res)
	}

	res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10), // redelivered
		order("o2", "TCS", model.SideBuy, 4),       // fresh
	}, true)
	if !res.Success {
		t.Fatalf("expected commit, got %+v", res)
	}
	if res.Results[0].Result.Success {
		t.Error("duplicate must not fill again")
	}
	if !res.Results[1].Result.Success {
		t.Fatalf("fresh order must fill alongside a duplicate: %+v", res.Results[1].Result)
	}

	// 10000 - 10*100 - 4*50.
	if !cash(t, ms).Equal(d(8800)) {
		t.Errorf("expected cash 8800, got %s", cash(t, ms))
	}
	lots, _ := ms.GetOpenLotsByUser(context.Background(), "user1")
	if len(lots) != 2 {
		t.Errorf("expected RELIANCE and TCS lots, got %d", len(lots))
	}
}

// flakyBeginStore fails Begin on one specific call.
type flakyBeginStore struct {
	store.Store
	failOn int
	calls  int
}

func (s *flakyBeginStore) Begin(ctx context.Context) (store.Tx, error) {
	s.calls++
	if s.calls == s.failOn {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.Begin(ctx)
}

// An order that never got a transaction has no durable outcome; its result
// must be retryable so the worker leaves its message pending.
func TestProcessBatch_BestEffortBeginFailureRetryable(t *testing.T) {
	_, ms := newTestEnv(t)
	c := batch.NewCoordinator(&flakyBeginStore{Store: ms, failOn: 2})

	res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
		order("o2", "TCS", model.SideBuy, 4),
	}, false)

	if !res.Results[0].Result.Success || res.Results[0].Result.Retryable {
		t.Errorf("order 1 must commit and be terminal: %+v", res.Results[0].Result)
	}
	r := res.Results[1].Result
	if r.Success {
		t.Fatal("order 2 must fail when its transaction cannot start")
	}
	if !r.Retryable {
		t.Error("a failure with no durable outcome must be marked retryable")
	}

	// Only order 1 committed.
	if !cash(t, ms).Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", cash(t, ms))
	}
}

// conflictStore wraps every transaction so account locks report contention.
type conflictStore struct {
	store.Store
}

func (s conflictStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return conflictTx{tx}, nil
}

type conflictTx struct {
	store.Tx
}

func (t conflictTx) AccountForUpdate(context.Context, string) (*model.Account, error) {
	return nil, store.ErrConflict
}

func TestProcessBatch_StorageConflictRetryable(t *testing.T) {
	_, ms := newTestEnv(t)
	c := batch.NewCoordinator(conflictStore{Store: ms})

	res := c.ProcessBatch(context.Background(), []model.OrderRequest{
		order("o1", "RELIANCE", model.SideBuy, 10),
	}, false)

	r := res.Results[0].Result
	if r.Success {
		t.Fatal("expected conflict rejection")
	}
	if !strings.Contains(r.Message, "storage conflict") {
		t.Errorf("unexpected message: %q", r.Message)
	}
	if !r.Retryable {
		t.Error("lock contention must be retryable")
	}
	if !cash(t, ms).Equal(d(10000)) {
		t.Errorf("cash must be untouched, got %s", cash(t, ms))
	}
}

func TestProcessBatch_InvalidOrderRejected(t *testing.T) {
	c, _ := newTestEnv(t)

	bad := order("o1", "RELIANCE", "HOLD", 10)
	res := c.ProcessBatch(context.Background(), []model.OrderRequest{bad}, false)

	r := res.Results[0].Result
	if r.Success || !strings.Contains(r.Message, "side must be BUY or SELL") {
		t.Fatalf("expected validation rejection, got %+v", r)
	}
}
