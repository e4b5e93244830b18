// Package filter evaluates per-recorder risk policy against incoming
// signals. Filters run in a fixed order and short-circuit on the first
// rejection; the final max-contracts rule transforms quantity instead of
// rejecting. Every evaluation emits a structured decision to the event bus,
// accepted or not.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copytrader/internal/bus"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// Rejection reasons, stable strings surfaced in webhook responses and logs.
const (
	ReasonDisabled     = "disabled"
	ReasonDirection    = "direction_blocked"
	ReasonTimeWindow   = "outside_time_window"
	ReasonCooldown     = "cooldown"
	ReasonMaxSignals   = "max_signals_reached"
	ReasonMaxDailyLoss = "max_daily_loss_reached"
	ReasonNthSignal    = "nth_signal_skip"
)

// Decision is the outcome of one pipeline evaluation. MaxContracts carries
// the per-task quantity cap downstream when the recorder configures one
// (0 = uncapped).
type Decision struct {
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
	MaxContracts int64  `json:"max_contracts,omitempty"`
}

// Pipeline evaluates the fixed filter chain. The nth-signal counters live in
// memory only; they restart from zero with the process.
type Pipeline struct {
	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu          sync.Mutex
	nthCounters map[int64]int
}

// New creates a filter pipeline over the given store.
func New(st store.Store, b *bus.Bus, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:       st,
		bus:         b,
		logger:      logger.With("component", "filter"),
		nthCounters: make(map[int64]int),
	}
}

// Evaluate runs the chain for one signal. Store errors reject the signal
// with an error rather than failing open.
func (p *Pipeline) Evaluate(ctx context.Context, rec *types.Recorder, sig *types.Signal) (Decision, error) {
	d, err := p.evaluate(ctx, rec, sig)
	if err != nil {
		return Decision{}, err
	}
	p.logDecision(rec, sig, d)
	return d, nil
}

func (p *Pipeline) evaluate(ctx context.Context, rec *types.Recorder, sig *types.Signal) (Decision, error) {
	if !rec.Enabled {
		return reject(ReasonDisabled), nil
	}

	for _, blocked := range rec.Filters.BlockedActions {
		if sig.Action == blocked {
			return reject(ReasonDirection), nil
		}
	}

	if ok, err := inAnyWindow(rec.Filters.TimeWindows, sig.ReceivedAt); err != nil {
		return Decision{}, err
	} else if !ok {
		return reject(ReasonTimeWindow), nil
	}

	if rec.Filters.CooldownSeconds > 0 {
		last, err := p.store.LastAcceptedAt(ctx, rec.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("last accepted: %w", err)
		}
		if !last.IsZero() && sig.ReceivedAt.Sub(last) < time.Duration(rec.Filters.CooldownSeconds)*time.Second {
			return reject(ReasonCooldown), nil
		}
	}

	if rec.Filters.MaxSignals > 0 {
		n, err := p.store.CountAcceptedSince(ctx, rec.ID, store.StartOfDay(sig.ReceivedAt))
		if err != nil {
			return Decision{}, fmt.Errorf("count accepted: %w", err)
		}
		if n >= rec.Filters.MaxSignals {
			return reject(ReasonMaxSignals), nil
		}
	}

	if rec.Filters.MaxDailyLoss.IsPositive() {
		pnl, err := p.store.RealizedPnLToday(ctx, rec.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("realized pnl: %w", err)
		}
		if pnl.LessThanOrEqual(rec.Filters.MaxDailyLoss.Neg()) {
			return reject(ReasonMaxDailyLoss), nil
		}
	}

	// The counter advances for every signal that survived the rules above,
	// admitted or not, so "every Nth" is measured against the raw stream.
	if rec.Filters.NthSignal > 1 {
		p.mu.Lock()
		p.nthCounters[rec.ID]++
		n := p.nthCounters[rec.ID]
		p.mu.Unlock()
		if n%rec.Filters.NthSignal != 0 {
			return reject(ReasonNthSignal), nil
		}
	}

	return Decision{Accepted: true, MaxContracts: rec.Filters.MaxContracts}, nil
}

// inAnyWindow reports whether t falls inside at least one configured window
// in that window's local timezone. No windows means always open.
func inAnyWindow(windows []types.TimeWindow, t time.Time) (bool, error) {
	if len(windows) == 0 {
		return true, nil
	}
	for _, w := range windows {
		loc, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return false, fmt.Errorf("time window zone %q: %w", w.Timezone, err)
		}
		local := t.In(loc)
		minute := local.Hour()*60 + local.Minute()
		if w.StartMinute <= w.EndMinute {
			if minute >= w.StartMinute && minute < w.EndMinute {
				return true, nil
			}
		} else {
			// Overnight window, e.g. 18:00 → 02:00.
			if minute >= w.StartMinute || minute < w.EndMinute {
				return true, nil
			}
		}
	}
	return false, nil
}

func reject(reason string) Decision {
	return Decision{Accepted: false, Reason: reason}
}

func (p *Pipeline) logDecision(rec *types.Recorder, sig *types.Signal, d Decision) {
	p.logger.Info("filter decision",
		"recorder", rec.ID,
		"action", sig.Action,
		"ticker", sig.Ticker,
		"accepted", d.Accepted,
		"reason", d.Reason)
	p.bus.Log("info", "filter", "filter decision", map[string]string{
		"recorder": fmt.Sprintf("%d", rec.ID),
		"action":   string(sig.Action),
		"accepted": fmt.Sprintf("%t", d.Accepted),
		"reason":   d.Reason,
	})
}
