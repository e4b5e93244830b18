package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"copytrader/internal/bus"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Tracker applies signals to positions under one lock per
// (recorder, ticker): concurrent signals to the same position serialize,
// signals to different positions proceed in parallel. Each application is
// one append to the signal log plus one position mutation.
type Tracker struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	invariantViolations atomic.Uint64
}

// NewTracker creates a tracker over the given store.
func NewTracker(st store.Store, b *bus.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		bus:    b,
		logger: logger.With("component", "position"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) lockFor(recorderID int64, ticker string) *sync.Mutex {
	key := fmt.Sprintf("%d/%s", recorderID, ticker)
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// InvariantViolations returns the operator-visible counter of dropped
// signals due to internal logic bugs.
func (t *Tracker) InvariantViolations() uint64 {
	return t.invariantViolations.Load()
}

// Apply appends the signal to the log, runs the state machine, and persists
// the resulting position rows. The returned Result carries the ordered
// effects for the fan-out dispatcher.
func (t *Tracker) Apply(ctx context.Context, rec *types.Recorder, sig *types.Signal) (Result, error) {
	l := t.lockFor(rec.ID, sig.Ticker)
	l.Lock()
	defer l.Unlock()

	if _, known := PointValue(sig.Ticker); !known {
		t.logger.Warn("unknown contract root, using multiplier 1.0",
			"ticker", sig.Ticker, "recorder", rec.ID)
	}

	cur, err := t.store.OpenPosition(ctx, rec.ID, sig.Ticker)
	if err != nil {
		return Result{}, fmt.Errorf("load position: %w", err)
	}

	res := Apply(cur, rec, sig)

	if err := t.checkInvariants(res); err != nil {
		t.invariantViolations.Add(1)
		t.logger.Error("invariant violation, signal dropped",
			"recorder", rec.ID, "ticker", sig.Ticker, "error", err)
		return Result{}, err
	}

	// The signal log commits before any dispatch so accepted signals that
	// dispatched are durable across restarts.
	if err := t.store.AppendSignal(ctx, sig); err != nil {
		return Result{}, fmt.Errorf("append signal: %w", err)
	}
	if res.Updated != nil {
		if err := t.store.UpdatePosition(ctx, res.Updated); err != nil {
			return Result{}, fmt.Errorf("update position: %w", err)
		}
		t.emitPosition(res.Updated)
	}
	if res.Opened != nil {
		if err := t.store.InsertPosition(ctx, res.Opened); err != nil {
			return Result{}, fmt.Errorf("insert position: %w", err)
		}
		t.emitPosition(res.Opened)
	}

	return res, nil
}

// MarkToMarket updates the live price and P&L extremes of an open position.
// Called by the drawdown poller once per tick per open row.
func (t *Tracker) MarkToMarket(ctx context.Context, pos *types.Position, price decimal.Decimal) error {
	l := t.lockFor(pos.RecorderID, pos.Ticker)
	l.Lock()
	defer l.Unlock()

	// The caller works from a ListOpenPositions snapshot. A close committed
	// since the snapshot must win: only the live open row is marked, never
	// the stale copy written back over it.
	cur, err := t.store.OpenPosition(ctx, pos.RecorderID, pos.Ticker)
	if err != nil {
		return fmt.Errorf("mark to market: %w", err)
	}
	if cur == nil || cur.ID != pos.ID {
		pos.Status = types.PositionClosed
		pos.UnrealizedPnL = decimal.Zero
		return nil
	}

	cur.CurrentPrice = price
	cur.UnrealizedPnL = RealizedPnL(cur.Side, cur.AvgEntryPrice, price, cur.TotalQuantity, cur.ContractMultiplier)
	if cur.UnrealizedPnL.LessThan(cur.WorstUnrealizedPnL) {
		cur.WorstUnrealizedPnL = cur.UnrealizedPnL
	}
	if cur.UnrealizedPnL.GreaterThan(cur.BestUnrealizedPnL) {
		cur.BestUnrealizedPnL = cur.UnrealizedPnL
	}

	if err := t.store.UpdatePosition(ctx, cur); err != nil {
		return fmt.Errorf("mark to market: %w", err)
	}
	*pos = *cur
	t.emitPosition(cur)
	return nil
}

func (t *Tracker) checkInvariants(res Result) error {
	if res.Opened != nil && res.Opened.TotalQuantity < 1 {
		return types.NewBrokerError(types.ErrInvariantViolation, "position",
			fmt.Sprintf("opened position with quantity %d", res.Opened.TotalQuantity), nil)
	}
	if res.Updated != nil && res.Updated.Status == types.PositionOpen && res.Updated.TotalQuantity < 1 {
		return types.NewBrokerError(types.ErrInvariantViolation, "position",
			fmt.Sprintf("open position with quantity %d", res.Updated.TotalQuantity), nil)
	}
	for _, eff := range res.Effects {
		if eff.Kind != EffectNoop && eff.BaseQty < 1 {
			return types.NewBrokerError(types.ErrInvariantViolation, "position",
				fmt.Sprintf("%s effect with quantity %d", eff.Kind, eff.BaseQty), nil)
		}
	}
	return nil
}

func (t *Tracker) emitPosition(pos *types.Position) {
	t.bus.Publish(types.EventPositionUpdate, types.PositionUpdateEvent{
		RecorderID:         pos.RecorderID,
		Ticker:             pos.Ticker,
		Side:               pos.Side,
		Qty:                pos.TotalQuantity,
		AvgPrice:           pos.AvgEntryPrice,
		Status:             pos.Status,
		UnrealizedPnL:      pos.UnrealizedPnL,
		WorstUnrealizedPnL: pos.WorstUnrealizedPnL,
	})
}
