package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/broker"
	"copytrader/internal/bus"
	"copytrader/internal/dispatch"
	"copytrader/internal/poller"
	"copytrader/internal/position"
	"copytrader/internal/store"
	"copytrader/internal/token"
	"copytrader/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeAdapter records every order and can fail specific calls by index.
type fakeAdapter struct {
	mu        sync.Mutex
	placed    []broker.OrderRequest
	cancelled []int64
	errOn     map[int]error // 0-based PlaceOrder call index -> error
	nativeOCO bool
	fillPrice decimal.Decimal
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, _ *types.Account, _ *types.Subaccount, req broker.OrderRequest) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.placed)
	if err, ok := f.errOn[idx]; ok {
		return broker.OrderResult{}, err
	}
	f.placed = append(f.placed, req)
	return broker.OrderResult{
		BrokerOrderID: int64(1000 + idx),
		FillPrice:     f.fillPrice,
		NativeOCO:     f.nativeOCO && req.LinkGroup != "",
	}, nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _ *types.Account, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeAdapter) GetQuote(context.Context, *types.Account, string) (broker.Quote, error) {
	return broker.Quote{}, nil
}

func (f *fakeAdapter) ResolveSymbol(_ context.Context, _ *types.Account, ticker string, _ time.Time) (string, error) {
	return "MNQZ5", nil
}

func (f *fakeAdapter) ListOpenPositions(context.Context, *types.Account, *types.Subaccount) ([]broker.BrokerPosition, error) {
	return nil, nil
}

func (f *fakeAdapter) ExchangeAuthCode(context.Context, string, string, string, string) (token.Grant, error) {
	return token.Grant{}, nil
}

func (f *fakeAdapter) RefreshToken(context.Context, string, string, string) (token.Grant, error) {
	return token.Grant{}, nil
}

func (f *fakeAdapter) orders() []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.OrderRequest, len(f.placed))
	copy(out, f.placed)
	return out
}

type fixture struct {
	pool    *Pool
	queue   *dispatch.Queue
	adapter *fakeAdapter
	store   *store.Memory
	watcher *poller.Watcher
	bus     *bus.Bus
	subID   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := discard()
	ctx := context.Background()

	m := store.NewMemory()
	acct := &types.Account{UserID: 1, Name: "main"}
	if err := m.SaveAccount(ctx, acct); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	sub := &types.Subaccount{AccountID: acct.ID, BrokerID: 777, Name: "DEMO1"}
	if err := m.SaveSubaccount(ctx, sub); err != nil {
		t.Fatalf("SaveSubaccount: %v", err)
	}

	b := bus.New(64, logger)
	adapter := &fakeAdapter{}
	tracker := position.NewTracker(m, b, logger)
	watcher := poller.New(m, tracker, adapter, nil, b, logger, time.Second)
	q := dispatch.NewQueue(64)
	sessions := broker.NewSessionPool("", nil, true, logger)

	return &fixture{
		pool:    New(q, m, adapter, sessions, watcher, b, logger, 2),
		queue:   q,
		adapter: adapter,
		store:   m,
		watcher: watcher,
		bus:     b,
		subID:   sub.ID,
	}
}

func (f *fixture) task(opts func(*types.ExecutionTask)) *types.ExecutionTask {
	task := &types.ExecutionTask{
		CorrelationID: "corr-1",
		SignalID:      10,
		RecorderID:    1,
		TraderID:      5,
		SubaccountID:  f.subID,
		Symbol:        "MNQZ5",
		Ticker:        "MNQ1!",
		Side:          types.OrderBuy,
		Quantity:      2,
		Price:         dec("25600"),
		Seq:           1,
	}
	if opts != nil {
		opts(task)
	}
	return task
}

func TestExecutePlacesMarketOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.pool.execute(ctx, f.task(nil))

	orders := f.adapter.orders()
	if len(orders) != 1 {
		t.Fatalf("placed %d orders, want 1", len(orders))
	}
	if orders[0].Type != types.OrderTypeMarket || orders[0].Side != types.OrderBuy || orders[0].Quantity != 2 {
		t.Errorf("order = %+v", orders[0])
	}

	trades, err := f.store.TradesBySignal(ctx, 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades = %+v, %v", trades, err)
	}
	if trades[0].BrokerOrderID != "1000" || trades[0].Status != types.TradePlaced {
		t.Errorf("trade = %+v", trades[0])
	}
	if got := f.pool.LastError(1); got != "" {
		t.Errorf("LastError = %q, want empty", got)
	}
}

func TestExecuteRejectionRecordsLastError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.errOn = map[int]error{
		0: types.NewBrokerError(types.ErrBrokerRejected, "tradovate", "insufficient margin", nil),
	}

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	f.pool.execute(ctx, f.task(nil))

	if trades, _ := f.store.TradesBySignal(ctx, 10); len(trades) != 0 {
		t.Errorf("rejection persisted %d trades, want 0", len(trades))
	}
	if got := f.pool.LastError(1); got == "" {
		t.Error("LastError empty after rejection")
	}

	var rejected bool
	for done := false; !done; {
		select {
		case evt := <-sub.Events():
			if data, ok := evt.Data.(types.TradeExecutedEvent); ok && data.Status == types.TradeRejected {
				rejected = true
			}
		default:
			done = true
		}
	}
	if !rejected {
		t.Error("no rejected trade_executed event")
	}
}

func TestExecuteSuccessClearsLastError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.errOn = map[int]error{
		0: types.NewBrokerError(types.ErrBrokerTimeout, "tradovate", "deadline exceeded", nil),
	}
	f.pool.execute(ctx, f.task(nil))
	if f.pool.LastError(1) == "" {
		t.Fatal("LastError not set by timeout")
	}

	f.adapter.errOn = nil
	f.pool.execute(ctx, f.task(nil))
	if got := f.pool.LastError(1); got != "" {
		t.Errorf("LastError = %q after success, want empty", got)
	}
}

func TestExecuteNativeBrackets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.nativeOCO = true

	// 40 ticks TP and 20 ticks SL on MNQ (0.25 tick) around entry 25600.
	f.pool.execute(ctx, f.task(func(task *types.ExecutionTask) {
		task.Bracket = types.BracketSpec{
			TPValue: dec("40"), TPUnit: types.UnitTicks,
			SLValue: dec("20"), SLUnit: types.UnitTicks,
			SLType: types.StopFixed,
		}
	}))

	orders := f.adapter.orders()
	if len(orders) != 3 {
		t.Fatalf("placed %d orders, want parent+tp+sl", len(orders))
	}
	tp, sl := orders[1], orders[2]
	if tp.Type != types.OrderTypeLimit || tp.Side != types.OrderSell || !tp.Price.Equal(dec("25610")) {
		t.Errorf("tp child = %+v", tp)
	}
	if sl.Type != types.OrderTypeStop || sl.Side != types.OrderSell || !sl.Price.Equal(dec("25595")) {
		t.Errorf("sl child = %+v", sl)
	}
	if tp.LinkGroup != "corr-1" || sl.LinkGroup != "corr-1" {
		t.Error("children missing link group")
	}

	trades, _ := f.store.TradesBySignal(ctx, 10)
	if len(trades) != 1 || trades[0].TPOrderID != "1001" || trades[0].SLOrderID != "1002" {
		t.Errorf("trade = %+v", trades)
	}
	if n := len(f.watcher.Children()); n != 0 {
		t.Errorf("watcher enrolled %d children with native OCO, want 0", n)
	}
}

func TestExecuteFallsBackToWatcher(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	// nativeOCO false: the venue ignored the link group.

	f.pool.execute(ctx, f.task(func(task *types.ExecutionTask) {
		task.Side = types.OrderSell // opening a short
		task.Bracket = types.BracketSpec{
			TPValue: dec("10"), TPUnit: types.UnitPoints,
			SLValue: dec("5"), SLUnit: types.UnitPoints,
			SLType: types.StopFixed,
		}
	}))

	if orders := f.adapter.orders(); len(orders) != 1 {
		t.Fatalf("placed %d orders, want market parent only", len(orders))
	}

	children := f.watcher.Children()
	if len(children) != 2 {
		t.Fatalf("watcher has %d children, want 2", len(children))
	}
	for _, c := range children {
		if c.PositionSide != types.SideShort {
			t.Errorf("child side = %v, want SHORT", c.PositionSide)
		}
		switch c.Kind {
		case poller.ChildTakeProfit:
			if !c.Trigger.Equal(dec("25590")) {
				t.Errorf("tp trigger = %v, want 25590", c.Trigger)
			}
		case poller.ChildStopLoss:
			if !c.Trigger.Equal(dec("25605")) {
				t.Errorf("sl trigger = %v, want 25605", c.Trigger)
			}
		}
	}
}

func TestExecuteChildRefusedCancelsOrphan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.nativeOCO = true
	f.adapter.errOn = map[int]error{
		2: types.NewBrokerError(types.ErrBrokerRejected, "tradovate", "stop too close", nil),
	}

	f.pool.execute(ctx, f.task(func(task *types.ExecutionTask) {
		task.Bracket = types.BracketSpec{
			TPValue: dec("10"), TPUnit: types.UnitPoints,
			SLValue: dec("5"), SLUnit: types.UnitPoints,
			SLType: types.StopFixed,
		}
	}))

	f.adapter.mu.Lock()
	cancelled := append([]int64(nil), f.adapter.cancelled...)
	f.adapter.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != 1001 {
		t.Errorf("cancelled = %v, want the orphan take-profit 1001", cancelled)
	}
	if n := len(f.watcher.Children()); n != 2 {
		t.Errorf("watcher has %d children after fallback, want 2", n)
	}
}

func TestClosingTaskCarriesNoBrackets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.nativeOCO = true

	f.pool.execute(ctx, f.task(func(task *types.ExecutionTask) {
		task.Closing = true
		task.Side = types.OrderSell
		task.Bracket = types.BracketSpec{TPValue: dec("10"), TPUnit: types.UnitPoints}
	}))

	if orders := f.adapter.orders(); len(orders) != 1 {
		t.Errorf("closing task placed %d orders, want 1", len(orders))
	}
	if n := len(f.watcher.Children()); n != 0 {
		t.Errorf("closing task enrolled %d children, want 0", n)
	}
}

func TestPercentBracketScalesWithEntry(t *testing.T) {
	t.Parallel()
	tp, sl := bracketTriggers(types.BracketSpec{
		TPValue: dec("1"), TPUnit: types.UnitPercent,
		SLValue: dec("0.5"), SLUnit: types.UnitPercent,
	}, types.SideLong, dec("20000"), "MNQ1!")
	if !tp.Equal(dec("20200")) {
		t.Errorf("tp = %v, want 20200", tp)
	}
	if !sl.Equal(dec("19900")) {
		t.Errorf("sl = %v, want 19900", sl)
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.pool.Start(ctx)

	for i := 0; i < 8; i++ {
		task := f.task(nil)
		task.TraderID = int64(i % 4) // four partitions
		task.SignalID = 10
		if err := f.queue.Enqueue(task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	f.queue.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := f.queue.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	cancel()
	f.pool.Wait()

	trades, err := f.store.TradesBySignal(context.Background(), 10)
	if err != nil {
		t.Fatalf("TradesBySignal: %v", err)
	}
	if len(trades) != 8 {
		t.Errorf("executed %d trades, want 8", len(trades))
	}
}
