package poller

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/broker"
	"copytrader/internal/bus"
	"copytrader/internal/position"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// ChildKind distinguishes the two bracket children.
type ChildKind string

const (
	ChildTakeProfit ChildKind = "tp"
	ChildStopLoss   ChildKind = "sl"
)

// ChildState is the lifecycle of a watched bracket child. PENDING is the
// only state in which the watcher may fire it.
type ChildState string

const (
	ChildPending      ChildState = "PENDING"
	ChildFired        ChildState = "FIRED"
	ChildBrokerAck    ChildState = "BROKER_ACK"
	ChildBrokerReject ChildState = "BROKER_REJECT"
)

// Child is one locally supervised TP or SL leg. Enrolled by the execution
// workers when the broker did not link the bracket natively.
type Child struct {
	CorrelationID string
	Kind          ChildKind
	RecorderID    int64
	TraderID      int64
	SubaccountID  int64
	Symbol        string
	Ticker        string
	PositionSide  types.Side
	Quantity      int64
	Trigger       decimal.Decimal
	State         ChildState
	FiredAt       time.Time
}

func (c *Child) key() string { return c.CorrelationID + "/" + string(c.Kind) }

// triggered reports whether the price crossed this child's trigger.
func (c *Child) triggered(price decimal.Decimal) bool {
	long := c.PositionSide == types.SideLong
	switch c.Kind {
	case ChildTakeProfit:
		if long {
			return price.GreaterThanOrEqual(c.Trigger)
		}
		return price.LessThanOrEqual(c.Trigger)
	case ChildStopLoss:
		if long {
			return price.LessThanOrEqual(c.Trigger)
		}
		return price.GreaterThanOrEqual(c.Trigger)
	}
	return false
}

// Watcher is the periodic service that marks open positions to market and
// fires watched bracket children.
type Watcher struct {
	store   store.Store
	tracker *position.Tracker
	adapter broker.Adapter
	oracle  broker.PriceOracle
	bus     *bus.Bus
	logger  *slog.Logger
	tick    time.Duration

	mu       sync.Mutex
	children map[string]*Child
}

// New creates a watcher ticking at the given interval.
func New(st store.Store, tr *position.Tracker, a broker.Adapter, o broker.PriceOracle, b *bus.Bus, logger *slog.Logger, tick time.Duration) *Watcher {
	return &Watcher{
		store:    st,
		tracker:  tr,
		adapter:  a,
		oracle:   o,
		bus:      b,
		logger:   logger.With("component", "watcher"),
		tick:     tick,
		children: make(map[string]*Child),
	}
}

// Enroll registers a bracket child for local supervision.
func (w *Watcher) Enroll(c *Child) {
	c.State = ChildPending
	w.mu.Lock()
	w.children[c.key()] = c
	w.mu.Unlock()
	w.logger.Info("bracket child enrolled",
		"correlation_id", c.CorrelationID, "kind", c.Kind,
		"symbol", c.Symbol, "trigger", c.Trigger)
}

// Children returns a snapshot of the registry.
func (w *Watcher) Children() []Child {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Child, 0, len(w.children))
	for _, c := range w.children {
		out = append(out, *c)
	}
	return out
}

// Run ticks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	w.logger.Info("drawdown poller started", "tick", w.tick)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll runs one tick: mark-to-market first so bracket decisions see the
// same prices that were just folded into the position rows.
func (w *Watcher) poll(ctx context.Context) {
	prices := w.markPositions(ctx)
	w.checkBrackets(ctx, prices)
}

// markPositions refreshes unrealized P&L on every open position and emits
// the per-recorder and per-account aggregates. Returns the prices fetched
// this tick keyed by ticker.
func (w *Watcher) markPositions(ctx context.Context) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)

	open, err := w.store.ListOpenPositions(ctx)
	if err != nil {
		w.logger.Error("list open positions", "error", err)
		return prices
	}

	recUnrealized := make(map[int64]decimal.Decimal)
	for i := range open {
		pos := &open[i]
		price, ok := prices[pos.Ticker]
		if !ok {
			price, err = w.oracle.LastPrice(ctx, pos.Ticker)
			if err != nil {
				// No price this tick; the position keeps its previous mark.
				w.logger.Debug("no price for ticker", "ticker", pos.Ticker, "error", err)
				continue
			}
			prices[pos.Ticker] = price
		}
		if err := w.tracker.MarkToMarket(ctx, pos, price); err != nil {
			w.logger.Error("mark to market", "position", pos.ID, "error", err)
			continue
		}
		recUnrealized[pos.RecorderID] = recUnrealized[pos.RecorderID].Add(pos.UnrealizedPnL)
	}

	w.emitAggregates(ctx, recUnrealized)
	return prices
}

// emitAggregates publishes strategy_pnl_update per recorder and pnl_update
// per account. Account figures scale each recorder's P&L by the linked
// trader's multiplier, mirroring how fills are sized.
func (w *Watcher) emitAggregates(ctx context.Context, recUnrealized map[int64]decimal.Decimal) {
	type acctPnL struct{ realized, unrealized decimal.Decimal }
	byAccount := make(map[int64]*acctPnL)

	for recorderID, unrealized := range recUnrealized {
		realized, err := w.store.RealizedPnLToday(ctx, recorderID)
		if err != nil {
			w.logger.Error("realized pnl", "recorder", recorderID, "error", err)
			continue
		}

		w.bus.Publish(types.EventStrategyPnLUpdate, types.StrategyPnLUpdateEvent{
			RecorderID:      recorderID,
			RealizedToday:   realized,
			UnrealizedTotal: unrealized,
		})

		traders, err := w.store.EnabledTraders(ctx, recorderID)
		if err != nil {
			continue
		}
		for i := range traders {
			sub, err := w.store.SubaccountByID(ctx, traders[i].SubaccountID)
			if err != nil {
				continue
			}
			p, ok := byAccount[sub.AccountID]
			if !ok {
				p = &acctPnL{}
				byAccount[sub.AccountID] = p
			}
			p.realized = p.realized.Add(realized.Mul(traders[i].Multiplier))
			p.unrealized = p.unrealized.Add(unrealized.Mul(traders[i].Multiplier))
		}
	}

	for accountID, p := range byAccount {
		w.bus.Publish(types.EventPnLUpdate, types.PnLUpdateEvent{
			AccountID:       accountID,
			RealizedToday:   p.realized,
			UnrealizedTotal: p.unrealized,
		})
	}
}

// checkBrackets fires every PENDING child whose trigger the price crossed.
func (w *Watcher) checkBrackets(ctx context.Context, prices map[string]decimal.Decimal) {
	w.mu.Lock()
	pending := make([]*Child, 0, len(w.children))
	for _, c := range w.children {
		if c.State == ChildPending {
			pending = append(pending, c)
		}
	}
	w.mu.Unlock()

	for _, c := range pending {
		price, ok := prices[c.Ticker]
		if !ok {
			var err error
			price, err = w.oracle.LastPrice(ctx, c.Ticker)
			if err != nil {
				continue
			}
			prices[c.Ticker] = price
		}
		if c.triggered(price) {
			w.fire(ctx, c, price)
		}
	}
}

// fire submits the closing order for a triggered child exactly once and
// retires its sibling.
func (w *Watcher) fire(ctx context.Context, c *Child, price decimal.Decimal) {
	w.mu.Lock()
	if c.State != ChildPending {
		w.mu.Unlock()
		return
	}
	c.State = ChildFired
	c.FiredAt = time.Now()
	// The sibling leg is superseded the moment either side fires.
	sibling := ChildStopLoss
	if c.Kind == ChildStopLoss {
		sibling = ChildTakeProfit
	}
	delete(w.children, c.CorrelationID+"/"+string(sibling))
	w.mu.Unlock()

	w.logger.Info("bracket child triggered",
		"correlation_id", c.CorrelationID, "kind", c.Kind,
		"trigger", c.Trigger, "price", price)

	sub, err := w.store.SubaccountByID(ctx, c.SubaccountID)
	if err != nil {
		w.reject(c, err)
		return
	}
	acct, err := w.store.AccountByID(ctx, sub.AccountID)
	if err != nil {
		w.reject(c, err)
		return
	}

	side := types.OrderSell
	if c.PositionSide == types.SideShort {
		side = types.OrderBuy
	}
	res, err := w.adapter.PlaceOrder(ctx, acct, sub, broker.OrderRequest{
		Symbol:   c.Symbol,
		Side:     side,
		Quantity: c.Quantity,
		Type:     types.OrderTypeMarket,
	})
	if err != nil {
		w.reject(c, err)
		return
	}

	w.mu.Lock()
	c.State = ChildBrokerAck
	w.mu.Unlock()

	w.bus.Publish(types.EventTradeExecuted, types.TradeExecutedEvent{
		CorrelationID: c.CorrelationID,
		TraderID:      c.TraderID,
		Symbol:        c.Symbol,
		Side:          side,
		Qty:           c.Quantity,
		BrokerOrderID: formatOrderID(res.BrokerOrderID),
		FillPrice:     res.FillPrice,
		Status:        types.TradePlaced,
	})
}

func formatOrderID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// reject marks a fired child as broker-rejected. No retry: the position
// stays open and the next operator action is manual.
func (w *Watcher) reject(c *Child, err error) {
	w.mu.Lock()
	c.State = ChildBrokerReject
	w.mu.Unlock()

	w.logger.Error("bracket close rejected",
		"correlation_id", c.CorrelationID, "kind", c.Kind,
		"kind_of_error", types.KindOf(err), "error", err)
	w.bus.Log("error", "watcher", "bracket close rejected: "+err.Error(), map[string]string{
		"correlation_id": c.CorrelationID,
	})
}
