package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"copytrader/internal/broker"
	"copytrader/internal/bus"
	"copytrader/internal/position"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Dispatcher fans the effects of one accepted signal out to every enabled
// trader of the recorder, scales quantities, resolves symbols and bracket
// specs, and enqueues execution tasks.
type Dispatcher struct {
	store   store.Store
	queue   *Queue
	adapter broker.Adapter
	bus     *bus.Bus
	logger  *slog.Logger

	seq atomic.Uint64
}

// New creates a dispatcher feeding the given queue.
func New(st store.Store, q *Queue, a broker.Adapter, b *bus.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		queue:   q,
		adapter: a,
		bus:     b,
		logger:  logger.With("component", "dispatch"),
	}
}

// ScaleQuantity computes round_half_up(base · multiplier) with a floor of
// one contract.
func ScaleQuantity(base int64, multiplier decimal.Decimal) int64 {
	q := decimal.NewFromInt(base).Mul(multiplier).Round(0).IntPart()
	if q < 1 {
		return 1
	}
	return q
}

// Dispatch enqueues one task per enabled trader per effect, in effect
// order, so a CLOSE always lands in a partition before its reverse OPEN.
// maxContracts, when positive, caps each task's quantity after scaling.
// Returns the number of tasks enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *types.Recorder, sig *types.Signal, effects []position.Effect, maxContracts int64) (int, error) {
	traders, err := d.store.EnabledTraders(ctx, rec.ID)
	if err != nil {
		return 0, fmt.Errorf("enabled traders: %w", err)
	}
	if len(traders) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, eff := range effects {
		if eff.Kind == position.EffectNoop {
			continue
		}
		for i := range traders {
			if d.dispatchOne(ctx, rec, sig, eff, &traders[i], maxContracts) {
				dispatched++
			}
		}
	}
	return dispatched, nil
}

// dispatchOne builds and enqueues a single task. A failure for one trader
// never blocks the others; it is logged and skipped.
func (d *Dispatcher) dispatchOne(ctx context.Context, rec *types.Recorder, sig *types.Signal, eff position.Effect, tr *types.Trader, maxContracts int64) bool {
	sub, err := d.store.SubaccountByID(ctx, tr.SubaccountID)
	if err != nil {
		d.logger.Error("subaccount lookup failed", "trader", tr.ID, "error", err)
		return false
	}
	acct, err := d.store.AccountByID(ctx, sub.AccountID)
	if err != nil {
		d.logger.Error("account lookup failed", "trader", tr.ID, "error", err)
		return false
	}
	if acct.RequiresReauth {
		d.logger.Warn("skipping trader, account requires re-authorization",
			"trader", tr.ID, "account", acct.ID)
		return false
	}

	symbol, err := d.adapter.ResolveSymbol(ctx, acct, sig.Ticker, sig.ReceivedAt)
	if err != nil {
		d.logger.Error("symbol resolution failed",
			"trader", tr.ID, "ticker", sig.Ticker, "error", err)
		return false
	}

	qty := ScaleQuantity(eff.BaseQty, tr.Multiplier)
	if maxContracts > 0 && qty > maxContracts {
		qty = maxContracts
	}

	closing := eff.Kind == position.EffectClose || eff.Kind == position.EffectTrim
	task := &types.ExecutionTask{
		CorrelationID: uuid.NewString(),
		SignalID:      sig.ID,
		RecorderID:    rec.ID,
		TraderID:      tr.ID,
		SubaccountID:  sub.ID,
		Symbol:        symbol,
		Ticker:        sig.Ticker,
		Side:          orderSide(eff.Side, closing),
		Quantity:      qty,
		Price:         eff.Price,
		Closing:       closing,
		Seq:           d.seq.Add(1),
	}
	if !closing {
		task.Bracket = effectiveBracket(rec, tr)
	}

	if err := d.queue.Enqueue(task); err != nil {
		d.logger.Error("enqueue failed, task dropped",
			"trader", tr.ID, "symbol", symbol, "correlation_id", task.CorrelationID, "error", err)
		d.bus.Log("error", "dispatch", "task dropped: "+err.Error(), map[string]string{
			"correlation_id": task.CorrelationID,
			"trader":         fmt.Sprintf("%d", tr.ID),
		})
		return false
	}

	d.logger.Info("task dispatched",
		"correlation_id", task.CorrelationID,
		"trader", tr.ID,
		"symbol", symbol,
		"side", task.Side,
		"qty", qty,
		"closing", closing)
	return true
}

// effectiveBracket picks the trader's TP/SL override, else the recorder's
// default.
func effectiveBracket(rec *types.Recorder, tr *types.Trader) types.BracketSpec {
	if tr.Bracket != nil {
		return *tr.Bracket
	}
	return rec.Bracket
}

// orderSide maps a position side to the order direction: entries trade with
// the side, exits against it.
func orderSide(side types.Side, closing bool) types.OrderSide {
	var s types.OrderSide
	if side == types.SideLong {
		s = types.OrderBuy
	} else {
		s = types.OrderSell
	}
	if closing {
		return s.Opposite()
	}
	return s
}
