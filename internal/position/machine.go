// Package position implements the signal-based position tracker: a pure
// state machine that applies one signal to the (recorder, ticker) position,
// and a tracker that serializes application and persists the result.
//
// The single most important property: the broker is never consulted to
// decide what the position is. The position is a pure function of the
// accepted signal log, so broker-side read failures can never lose or
// invent engine state.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"copytrader/pkg/types"
)

// avgScale bounds the precision of weighted-average division. Four decimal
// places cover every listed tick size; extra digits guard interim rounding.
const avgScale = 8

// EffectKind labels a side effect produced by one signal application.
type EffectKind string

const (
	EffectOpen  EffectKind = "OPEN"
	EffectAdd   EffectKind = "ADD"
	EffectTrim  EffectKind = "TRIM"
	EffectClose EffectKind = "CLOSE"
	EffectNoop  EffectKind = "NOOP"
)

// Effect describes one order-producing consequence of a signal. BaseQty is
// the recorder-level quantity before per-trader scaling: initial_size on
// OPEN, add_size on ADD, the full position on CLOSE.
type Effect struct {
	Kind    EffectKind
	Side    types.Side
	BaseQty int64
	Price   decimal.Decimal
}

// Result is the outcome of applying a signal: the mutated current row (nil
// when the signal opened from flat), an optionally opened new row (OPEN or
// the reverse leg of a FLIP), and the ordered effects to dispatch. Closes
// always precede reverse-opens in Effects.
type Result struct {
	Updated *types.Position
	Opened  *types.Position
	Effects []Effect
}

// WeightedAvg computes (a·q + p·dq) / (q + dq) in exact decimal arithmetic.
func WeightedAvg(avg decimal.Decimal, qty int64, price decimal.Decimal, addQty int64) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	dq := decimal.NewFromInt(addQty)
	num := avg.Mul(q).Add(price.Mul(dq))
	return num.DivRound(q.Add(dq), avgScale)
}

// RealizedPnL computes (exit − avg) · qty · multiplier · side_sign.
func RealizedPnL(side types.Side, avg, exit decimal.Decimal, qty int64, multiplier decimal.Decimal) decimal.Decimal {
	return exit.Sub(avg).
		Mul(decimal.NewFromInt(qty)).
		Mul(multiplier).
		Mul(side.Sign())
}

// Apply runs the state machine for one signal against the current open
// position (nil = flat). It mutates cur in place for ADD/CLOSE and returns
// the full result; it performs no I/O.
func Apply(cur *types.Position, rec *types.Recorder, sig *types.Signal) Result {
	switch sig.Action {
	case types.ActionBuy:
		return applyDirectional(cur, rec, sig, types.SideLong)
	case types.ActionSell:
		return applyDirectional(cur, rec, sig, types.SideShort)
	case types.ActionClose:
		if cur == nil {
			return Result{Effects: []Effect{{Kind: EffectNoop}}}
		}
		closePosition(cur, sig.Price, sig.ReceivedAt)
		return Result{
			Updated: cur,
			Effects: []Effect{{Kind: EffectClose, Side: cur.Side, BaseQty: cur.TotalQuantity, Price: sig.Price}},
		}
	default:
		return Result{Effects: []Effect{{Kind: EffectNoop}}}
	}
}

func applyDirectional(cur *types.Position, rec *types.Recorder, sig *types.Signal, want types.Side) Result {
	// Flat: open a fresh position.
	if cur == nil {
		opened := newPosition(rec, sig, want, rec.InitialSize)
		return Result{
			Opened:  opened,
			Effects: []Effect{{Kind: EffectOpen, Side: want, BaseQty: rec.InitialSize, Price: sig.Price}},
		}
	}

	// Same direction: dollar-cost average in.
	if cur.Side == want {
		cur.AvgEntryPrice = WeightedAvg(cur.AvgEntryPrice, cur.TotalQuantity, sig.Price, rec.AddSize)
		cur.TotalQuantity += rec.AddSize
		return Result{
			Updated: cur,
			Effects: []Effect{{Kind: EffectAdd, Side: want, BaseQty: rec.AddSize, Price: sig.Price}},
		}
	}

	// Opposite direction: close, then optionally flip.
	closedSide := cur.Side
	closedQty := cur.TotalQuantity
	closePosition(cur, sig.Price, sig.ReceivedAt)

	res := Result{
		Updated: cur,
		Effects: []Effect{{Kind: EffectClose, Side: closedSide, BaseQty: closedQty, Price: sig.Price}},
	}
	if rec.ReverseOnOpposite {
		res.Opened = newPosition(rec, sig, want, rec.InitialSize)
		res.Effects = append(res.Effects, Effect{Kind: EffectOpen, Side: want, BaseQty: rec.InitialSize, Price: sig.Price})
	}
	return res
}

func newPosition(rec *types.Recorder, sig *types.Signal, side types.Side, qty int64) *types.Position {
	mult, _ := PointValue(sig.Ticker)
	return &types.Position{
		RecorderID:         rec.ID,
		Ticker:             sig.Ticker,
		Side:               side,
		TotalQuantity:      qty,
		AvgEntryPrice:      sig.Price,
		CurrentPrice:       sig.Price,
		ContractMultiplier: mult,
		Status:             types.PositionOpen,
		OpenedAt:           sig.ReceivedAt,
	}
}

// closePosition marks the row closed at the exit price and resets the
// running extremes. Realized P&L is final at this point.
func closePosition(pos *types.Position, exit decimal.Decimal, at time.Time) {
	pos.RealizedPnL = pos.RealizedPnL.Add(
		RealizedPnL(pos.Side, pos.AvgEntryPrice, exit, pos.TotalQuantity, pos.ContractMultiplier))
	pos.Status = types.PositionClosed
	pos.ExitPrice = exit
	closedAt := at
	pos.ClosedAt = &closedAt
	pos.CurrentPrice = exit
	pos.UnrealizedPnL = decimal.Zero
}
