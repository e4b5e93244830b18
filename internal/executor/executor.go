// Package executor runs the bounded pool of broker execution workers. Each
// worker pulls tasks off the partitioned queue, places the parent market
// order, and arranges bracket children — broker-linked when the venue
// accepts the OCO group, locally watched otherwise.
//
// Failure discipline: a rejected or timed-out order is never retried. The
// task is consumed, the rejection is logged and pushed as a trade_executed
// event, and the per-recorder last-error slot is updated for the status
// endpoint.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/broker"
	"copytrader/internal/bus"
	"copytrader/internal/dispatch"
	"copytrader/internal/poller"
	"copytrader/internal/position"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Pool is the execution worker pool.
type Pool struct {
	queue    *dispatch.Queue
	store    store.Store
	adapter  broker.Adapter
	sessions *broker.SessionPool
	watcher  *poller.Watcher
	bus      *bus.Bus
	logger   *slog.Logger
	workers  int

	mu      sync.Mutex
	lastErr map[int64]string // recorder id -> most recent execution error

	wg sync.WaitGroup
}

// New creates a pool of the given size draining the queue.
func New(q *dispatch.Queue, st store.Store, a broker.Adapter, sessions *broker.SessionPool, w *poller.Watcher, b *bus.Bus, logger *slog.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:    q,
		store:    st,
		adapter:  a,
		sessions: sessions,
		watcher:  w,
		bus:      b,
		logger:   logger.With("component", "executor"),
		workers:  workers,
		lastErr:  make(map[int64]string),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the queue
// closes its ready channel.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("execution workers started", "workers", p.workers)
}

// Wait blocks until every worker returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Depth reports the number of queued or in-flight tasks.
func (p *Pool) Depth() int { return p.queue.Depth() }

// LastError returns the most recent execution error for a recorder, empty
// when the last attempt succeeded.
func (p *Pool) LastError(recorderID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr[recorderID]
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		task, done, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.execute(ctx, task)
		done()
	}
}

// execute places the parent order for one task and arranges its brackets.
func (p *Pool) execute(ctx context.Context, task *types.ExecutionTask) {
	sub, err := p.store.SubaccountByID(ctx, task.SubaccountID)
	if err != nil {
		p.fail(task, fmt.Errorf("load subaccount %d: %w", task.SubaccountID, err))
		return
	}
	acct, err := p.store.AccountByID(ctx, sub.AccountID)
	if err != nil {
		p.fail(task, fmt.Errorf("load account %d: %w", sub.AccountID, err))
		return
	}

	// Warm the subaccount's market-data session. Order placement goes over
	// REST, so a dead websocket downgrades to a warning, not a rejection.
	if _, err := p.sessions.Get(ctx, acct, sub); err != nil {
		p.logger.Warn("session unavailable", "subaccount", sub.ID, "error", err)
	}

	res, err := p.adapter.PlaceOrder(ctx, acct, sub, broker.OrderRequest{
		Symbol:    task.Symbol,
		Side:      task.Side,
		Quantity:  task.Quantity,
		Type:      types.OrderTypeMarket,
		LinkGroup: task.CorrelationID,
	})
	if err != nil {
		p.fail(task, err)
		return
	}

	trade := &types.Trade{
		TraderID:       task.TraderID,
		SignalID:       task.SignalID,
		CorrelationID:  task.CorrelationID,
		Symbol:         task.Symbol,
		Side:           task.Side,
		Quantity:       task.Quantity,
		BrokerOrderID:  strconv.FormatInt(res.BrokerOrderID, 10),
		RequestedPrice: task.Price,
		FillPrice:      res.FillPrice,
		Status:         types.TradePlaced,
		ExecutedAt:     time.Now(),
	}

	if !task.Closing && (task.Bracket.HasTP() || task.Bracket.HasSL()) {
		p.arrangeBrackets(ctx, task, acct, sub, res, trade)
	}

	if err := p.store.InsertTrade(ctx, trade); err != nil {
		p.logger.Error("trade row not persisted",
			"correlation_id", task.CorrelationID, "error", err)
	}

	p.clearError(task.RecorderID)
	p.logger.Info("order placed",
		"correlation_id", task.CorrelationID, "trader", task.TraderID,
		"symbol", task.Symbol, "side", task.Side, "qty", task.Quantity,
		"broker_order_id", res.BrokerOrderID)
	p.bus.Publish(types.EventTradeExecuted, types.TradeExecutedEvent{
		CorrelationID: task.CorrelationID,
		TraderID:      task.TraderID,
		Symbol:        task.Symbol,
		Side:          task.Side,
		Qty:           task.Quantity,
		BrokerOrderID: trade.BrokerOrderID,
		FillPrice:     res.FillPrice,
		Status:        types.TradePlaced,
	})
}

// arrangeBrackets places the TP/SL children. When the venue accepted the
// parent's link group the children rest broker-side; otherwise (or when a
// child submission fails) they fall back to local supervision by the
// bracket watcher.
func (p *Pool) arrangeBrackets(ctx context.Context, task *types.ExecutionTask, acct *types.Account, sub *types.Subaccount, res broker.OrderResult, trade *types.Trade) {
	entry := res.FillPrice
	if entry.IsZero() {
		entry = task.Price
	}
	if entry.IsZero() {
		p.logger.Warn("no entry price for brackets, skipping",
			"correlation_id", task.CorrelationID)
		return
	}

	posSide := types.SideLong
	if task.Side == types.OrderSell {
		posSide = types.SideShort
	}
	tp, sl := bracketTriggers(task.Bracket, posSide, entry, task.Ticker)

	if !res.NativeOCO {
		p.enrollWatcher(task, posSide, tp, sl)
		return
	}

	closeSide := task.Side.Opposite()
	var tpID, slID int64
	if task.Bracket.HasTP() {
		r, err := p.adapter.PlaceOrder(ctx, acct, sub, broker.OrderRequest{
			Symbol:    task.Symbol,
			Side:      closeSide,
			Quantity:  task.Quantity,
			Type:      types.OrderTypeLimit,
			Price:     tp,
			LinkGroup: task.CorrelationID,
		})
		if err != nil {
			p.logger.Warn("take-profit child refused, watching locally",
				"correlation_id", task.CorrelationID, "error", err)
			p.enrollWatcher(task, posSide, tp, sl)
			return
		}
		tpID = r.BrokerOrderID
	}
	if task.Bracket.HasSL() {
		r, err := p.adapter.PlaceOrder(ctx, acct, sub, broker.OrderRequest{
			Symbol:    task.Symbol,
			Side:      closeSide,
			Quantity:  task.Quantity,
			Type:      types.OrderTypeStop,
			Price:     sl,
			LinkGroup: task.CorrelationID,
		})
		if err != nil {
			p.logger.Warn("stop-loss child refused, watching locally",
				"correlation_id", task.CorrelationID, "error", err)
			if tpID != 0 {
				if cerr := p.adapter.CancelOrder(ctx, acct, tpID); cerr != nil {
					p.logger.Warn("orphan take-profit not cancelled",
						"broker_order_id", tpID, "error", cerr)
				}
			}
			p.enrollWatcher(task, posSide, tp, sl)
			return
		}
		slID = r.BrokerOrderID
	}

	if tpID != 0 {
		trade.TPOrderID = strconv.FormatInt(tpID, 10)
	}
	if slID != 0 {
		trade.SLOrderID = strconv.FormatInt(slID, 10)
	}
}

func (p *Pool) enrollWatcher(task *types.ExecutionTask, posSide types.Side, tp, sl decimal.Decimal) {
	if task.Bracket.HasTP() {
		p.watcher.Enroll(&poller.Child{
			CorrelationID: task.CorrelationID,
			Kind:          poller.ChildTakeProfit,
			RecorderID:    task.RecorderID,
			TraderID:      task.TraderID,
			SubaccountID:  task.SubaccountID,
			Symbol:        task.Symbol,
			Ticker:        task.Ticker,
			PositionSide:  posSide,
			Quantity:      task.Quantity,
			Trigger:       tp,
		})
	}
	if task.Bracket.HasSL() {
		p.watcher.Enroll(&poller.Child{
			CorrelationID: task.CorrelationID,
			Kind:          poller.ChildStopLoss,
			RecorderID:    task.RecorderID,
			TraderID:      task.TraderID,
			SubaccountID:  task.SubaccountID,
			Symbol:        task.Symbol,
			Ticker:        task.Ticker,
			PositionSide:  posSide,
			Quantity:      task.Quantity,
			Trigger:       sl,
		})
	}
}

// bracketTriggers converts the bracket distances to absolute prices around
// the entry. Trailing and break-even stops currently evaluate as fixed.
func bracketTriggers(spec types.BracketSpec, side types.Side, entry decimal.Decimal, ticker string) (tp, sl decimal.Decimal) {
	tpOff := bracketOffset(spec.TPValue, spec.TPUnit, entry, ticker)
	slOff := bracketOffset(spec.SLValue, spec.SLUnit, entry, ticker)
	if side == types.SideLong {
		return entry.Add(tpOff), entry.Sub(slOff)
	}
	return entry.Sub(tpOff), entry.Add(slOff)
}

func bracketOffset(value decimal.Decimal, unit types.BracketUnit, entry decimal.Decimal, ticker string) decimal.Decimal {
	switch unit {
	case types.UnitPoints:
		return value
	case types.UnitPercent:
		return entry.Mul(value).Div(decimal.NewFromInt(100))
	default: // ticks
		tick, _ := position.TickSize(ticker)
		return value.Mul(tick)
	}
}

// fail consumes a task that could not execute. No retry, no trade row.
func (p *Pool) fail(task *types.ExecutionTask, err error) {
	p.mu.Lock()
	p.lastErr[task.RecorderID] = err.Error()
	p.mu.Unlock()

	p.logger.Error("execution failed",
		"correlation_id", task.CorrelationID, "trader", task.TraderID,
		"symbol", task.Symbol, "side", task.Side, "qty", task.Quantity,
		"kind", types.KindOf(err), "error", err)
	p.bus.Log("error", "executor", "execution failed: "+err.Error(), map[string]string{
		"correlation_id": task.CorrelationID,
	})
	p.bus.Publish(types.EventTradeExecuted, types.TradeExecutedEvent{
		CorrelationID: task.CorrelationID,
		TraderID:      task.TraderID,
		Symbol:        task.Symbol,
		Side:          task.Side,
		Qty:           task.Quantity,
		Status:        types.TradeRejected,
	})
}

func (p *Pool) clearError(recorderID int64) {
	p.mu.Lock()
	delete(p.lastErr, recorderID)
	p.mu.Unlock()
}
