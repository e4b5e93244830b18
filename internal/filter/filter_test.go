package filter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/bus"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := store.NewMemory()
	return New(m, bus.New(0, logger), logger), m
}

func signalAt(action types.Action, at time.Time) *types.Signal {
	return &types.Signal{
		RecorderID: 1,
		ReceivedAt: at,
		Action:     action,
		Ticker:     "MNQ1!",
		Price:      decimal.NewFromInt(25600),
	}
}

func TestDisabledRecorderRejects(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	rec := &types.Recorder{ID: 1, Enabled: false}
	d, err := p.Evaluate(context.Background(), rec, signalAt(types.ActionBuy, time.Now()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Accepted || d.Reason != ReasonDisabled {
		t.Errorf("decision = %+v, want rejected %q", d, ReasonDisabled)
	}
}

func TestDirectionFilter(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{BlockedActions: []types.Action{types.ActionSell}},
	}

	d, err := p.Evaluate(context.Background(), rec, signalAt(types.ActionSell, time.Now()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Accepted || d.Reason != ReasonDirection {
		t.Errorf("SELL: decision = %+v, want rejected %q", d, ReasonDirection)
	}

	d, err = p.Evaluate(context.Background(), rec, signalAt(types.ActionBuy, time.Now()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Accepted {
		t.Errorf("BUY: decision = %+v, want accepted", d)
	}
}

func TestTimeWindows(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	// 09:30–16:00 New York.
	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{
			TimeWindows: []types.TimeWindow{
				{StartMinute: 9*60 + 30, EndMinute: 16 * 60, Timezone: "America/New_York"},
			},
		},
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	inside := time.Date(2026, 3, 2, 10, 0, 0, 0, ny)
	outside := time.Date(2026, 3, 2, 17, 0, 0, 0, ny)

	d, err := p.Evaluate(context.Background(), rec, signalAt(types.ActionBuy, inside))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Accepted {
		t.Errorf("10:00 ET should pass: %+v", d)
	}

	d, err = p.Evaluate(context.Background(), rec, signalAt(types.ActionBuy, outside))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Accepted || d.Reason != ReasonTimeWindow {
		t.Errorf("17:00 ET should reject: %+v", d)
	}
}

func TestOvernightWindow(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	// 18:00 → 02:00 wraps midnight.
	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{
			TimeWindows: []types.TimeWindow{
				{StartMinute: 18 * 60, EndMinute: 2 * 60, Timezone: "UTC"},
			},
		},
	}

	for _, tt := range []struct {
		hour int
		want bool
	}{
		{19, true},
		{1, true},
		{3, false},
		{12, false},
	} {
		at := time.Date(2026, 3, 2, tt.hour, 0, 0, 0, time.UTC)
		d, err := p.Evaluate(context.Background(), rec, signalAt(types.ActionBuy, at))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Accepted != tt.want {
			t.Errorf("hour %d: accepted = %v, want %v", tt.hour, d.Accepted, tt.want)
		}
	}
}

func TestCooldown(t *testing.T) {
	t.Parallel()
	p, m := newTestPipeline(t)
	ctx := context.Background()

	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{CooldownSeconds: 60},
	}

	base := time.Now()
	if err := m.AppendSignal(ctx, signalAt(types.ActionBuy, base)); err != nil {
		t.Fatalf("AppendSignal: %v", err)
	}

	d, err := p.Evaluate(ctx, rec, signalAt(types.ActionBuy, base.Add(30*time.Second)))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Accepted || d.Reason != ReasonCooldown {
		t.Errorf("30s after accept: %+v, want %q", d, ReasonCooldown)
	}

	d, err = p.Evaluate(ctx, rec, signalAt(types.ActionBuy, base.Add(90*time.Second)))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Accepted {
		t.Errorf("90s after accept: %+v, want accepted", d)
	}
}

func TestMaxSignalsPerSession(t *testing.T) {
	t.Parallel()
	p, m := newTestPipeline(t)
	ctx := context.Background()

	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{MaxSignals: 2},
	}

	now := time.Now()
	for i := 0; i < 2; i++ {
		if err := m.AppendSignal(ctx, signalAt(types.ActionBuy, now)); err != nil {
			t.Fatalf("AppendSignal: %v", err)
		}
	}

	d, err := p.Evaluate(ctx, rec, signalAt(types.ActionBuy, now))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Accepted || d.Reason != ReasonMaxSignals {
		t.Errorf("decision = %+v, want %q", d, ReasonMaxSignals)
	}
}

func TestMaxDailyLoss(t *testing.T) {
	t.Parallel()
	p, m := newTestPipeline(t)
	ctx := context.Background()

	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{MaxDailyLoss: decimal.NewFromInt(100)},
	}

	now := time.Now()
	pos := &types.Position{
		RecorderID:         1,
		Ticker:             "MNQ1!",
		Side:               types.SideLong,
		TotalQuantity:      1,
		AvgEntryPrice:      decimal.NewFromInt(25600),
		ContractMultiplier: decimal.NewFromInt(2),
		Status:             types.PositionClosed,
		RealizedPnL:        decimal.NewFromInt(-150),
		OpenedAt:           now.Add(-time.Hour),
		ClosedAt:           &now,
	}
	if err := m.InsertPosition(ctx, pos); err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}

	d, err := p.Evaluate(ctx, rec, signalAt(types.ActionBuy, now))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Accepted || d.Reason != ReasonMaxDailyLoss {
		t.Errorf("decision = %+v, want %q", d, ReasonMaxDailyLoss)
	}
}

func TestNthSignal(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{NthSignal: 3},
	}

	var accepted []int
	for i := 1; i <= 7; i++ {
		d, err := p.Evaluate(ctx, rec, signalAt(types.ActionBuy, time.Now()))
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		if d.Accepted {
			accepted = append(accepted, i)
		} else if d.Reason != ReasonNthSignal {
			t.Errorf("signal %d: reason = %q", i, d.Reason)
		}
	}

	if len(accepted) != 2 || accepted[0] != 3 || accepted[1] != 6 {
		t.Errorf("accepted signals = %v, want [3 6]", accepted)
	}
}

func TestMaxContractsIsTransformation(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)

	rec := &types.Recorder{
		ID:      1,
		Enabled: true,
		Filters: types.FilterConfig{MaxContracts: 3},
	}

	d, err := p.Evaluate(context.Background(), rec, signalAt(types.ActionBuy, time.Now()))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Accepted {
		t.Fatalf("decision = %+v, want accepted", d)
	}
	if d.MaxContracts != 3 {
		t.Errorf("MaxContracts = %d, want 3", d.MaxContracts)
	}
}
