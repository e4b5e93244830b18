package position

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"copytrader/internal/bus"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := store.NewMemory()
	return NewTracker(m, bus.New(0, logger), logger), m
}

func TestTrackerOpenCloseLifecycle(t *testing.T) {
	t.Parallel()
	tr, m := newTestTracker(t)
	ctx := context.Background()

	rec := testRecorder()
	if err := m.SaveRecorder(ctx, rec); err != nil {
		t.Fatalf("SaveRecorder: %v", err)
	}

	res, err := tr.Apply(ctx, rec, testSignal(types.ActionBuy, "25600"))
	if err != nil {
		t.Fatalf("Apply open: %v", err)
	}
	if res.Opened == nil || res.Opened.ID == 0 {
		t.Fatalf("open not persisted: %+v", res.Opened)
	}

	pos, err := m.OpenPosition(ctx, rec.ID, "MNQ1!")
	if err != nil || pos == nil {
		t.Fatalf("OpenPosition after open: %+v, %v", pos, err)
	}

	if _, err := tr.Apply(ctx, rec, testSignal(types.ActionClose, "25620")); err != nil {
		t.Fatalf("Apply close: %v", err)
	}
	if p, _ := m.OpenPosition(ctx, rec.ID, "MNQ1!"); p != nil {
		t.Errorf("position still open after close: %+v", p)
	}

	pnl, err := m.RealizedPnLToday(ctx, rec.ID)
	if err != nil {
		t.Fatalf("RealizedPnLToday: %v", err)
	}
	if !pnl.Equal(dec("40")) {
		t.Errorf("realized today = %v, want 40", pnl)
	}
}

func TestTrackerAppendsSignalLog(t *testing.T) {
	t.Parallel()
	tr, m := newTestTracker(t)
	ctx := context.Background()

	rec := testRecorder()
	if err := m.SaveRecorder(ctx, rec); err != nil {
		t.Fatalf("SaveRecorder: %v", err)
	}

	sig := testSignal(types.ActionBuy, "25600")
	if _, err := tr.Apply(ctx, rec, sig); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sig.ID == 0 {
		t.Error("signal not committed to the log")
	}

	n, err := m.CountAcceptedSince(ctx, rec.ID, sig.ReceivedAt.Add(-time.Second))
	if err != nil {
		t.Fatalf("CountAcceptedSince: %v", err)
	}
	if n != 1 {
		t.Errorf("accepted signals = %d, want 1", n)
	}
}

func TestTrackerSerializesSameKey(t *testing.T) {
	t.Parallel()
	tr, m := newTestTracker(t)
	ctx := context.Background()

	rec := testRecorder()
	if err := m.SaveRecorder(ctx, rec); err != nil {
		t.Fatalf("SaveRecorder: %v", err)
	}

	// 20 concurrent BUY signals against one (recorder, ticker) must land as
	// one open position with every add applied exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Apply(ctx, rec, testSignal(types.ActionBuy, "25600")); err != nil {
				t.Errorf("Apply: %v", err)
			}
		}()
	}
	wg.Wait()

	pos, err := m.OpenPosition(ctx, rec.ID, "MNQ1!")
	if err != nil || pos == nil {
		t.Fatalf("OpenPosition: %+v, %v", pos, err)
	}
	// First opens at initial_size 1, the other 19 add add_size 1 each.
	if pos.TotalQuantity != 20 {
		t.Errorf("qty = %d, want 20", pos.TotalQuantity)
	}
}

func TestTrackerCountsInvariantViolations(t *testing.T) {
	t.Parallel()
	tr, m := newTestTracker(t)
	ctx := context.Background()

	rec := testRecorder()
	rec.InitialSize = 0 // misconfigured, yields a zero-quantity open
	if err := m.SaveRecorder(ctx, rec); err != nil {
		t.Fatalf("SaveRecorder: %v", err)
	}

	_, err := tr.Apply(ctx, rec, testSignal(types.ActionBuy, "25600"))
	if err == nil {
		t.Fatal("expected invariant violation error")
	}
	if types.KindOf(err) != types.ErrInvariantViolation {
		t.Errorf("kind = %v, want invariant_violation", types.KindOf(err))
	}
	if tr.InvariantViolations() != 1 {
		t.Errorf("counter = %d, want 1", tr.InvariantViolations())
	}
	if p, _ := m.OpenPosition(ctx, rec.ID, "MNQ1!"); p != nil {
		t.Errorf("violating signal persisted a position: %+v", p)
	}
}

func TestMarkToMarketSkipsRowClosedAfterSnapshot(t *testing.T) {
	t.Parallel()
	tr, m := newTestTracker(t)
	ctx := context.Background()

	rec := testRecorder()
	if err := m.SaveRecorder(ctx, rec); err != nil {
		t.Fatalf("SaveRecorder: %v", err)
	}
	if _, err := tr.Apply(ctx, rec, testSignal(types.ActionBuy, "25600")); err != nil {
		t.Fatalf("Apply open: %v", err)
	}

	// Snapshot the open row the way the poller does, then close the
	// position before the mark lands.
	snap, err := m.ListOpenPositions(ctx)
	if err != nil || len(snap) != 1 {
		t.Fatalf("ListOpenPositions: %+v, %v", snap, err)
	}
	stale := snap[0]

	if _, err := tr.Apply(ctx, rec, testSignal(types.ActionClose, "25620")); err != nil {
		t.Fatalf("Apply close: %v", err)
	}

	if err := tr.MarkToMarket(ctx, &stale, dec("25590")); err != nil {
		t.Fatalf("MarkToMarket: %v", err)
	}

	// The close must survive the late mark.
	if p, _ := m.OpenPosition(ctx, rec.ID, "MNQ1!"); p != nil {
		t.Errorf("closed position resurrected: %+v", p)
	}
	pnl, err := m.RealizedPnLToday(ctx, rec.ID)
	if err != nil {
		t.Fatalf("RealizedPnLToday: %v", err)
	}
	if !pnl.Equal(dec("40")) {
		t.Errorf("realized today = %v, want 40 preserved", pnl)
	}
	if stale.Status != types.PositionClosed || !stale.UnrealizedPnL.IsZero() {
		t.Errorf("stale copy not reconciled: status=%s unrealized=%v", stale.Status, stale.UnrealizedPnL)
	}
}

func TestMarkToMarketFoldsExtremes(t *testing.T) {
	t.Parallel()
	tr, m := newTestTracker(t)
	ctx := context.Background()

	rec := testRecorder()
	if err := m.SaveRecorder(ctx, rec); err != nil {
		t.Fatalf("SaveRecorder: %v", err)
	}
	res, err := tr.Apply(ctx, rec, testSignal(types.ActionBuy, "25600"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	pos := res.Opened

	// Drop 10 points, then recover 20: worst and best both stick.
	if err := tr.MarkToMarket(ctx, pos, dec("25590")); err != nil {
		t.Fatalf("MarkToMarket: %v", err)
	}
	if err := tr.MarkToMarket(ctx, pos, dec("25610")); err != nil {
		t.Fatalf("MarkToMarket: %v", err)
	}

	got, _ := m.OpenPosition(ctx, rec.ID, "MNQ1!")
	if !got.UnrealizedPnL.Equal(dec("20")) {
		t.Errorf("unrealized = %v, want 20", got.UnrealizedPnL)
	}
	if !got.WorstUnrealizedPnL.Equal(dec("-20")) {
		t.Errorf("worst = %v, want -20", got.WorstUnrealizedPnL)
	}
	if !got.BestUnrealizedPnL.Equal(dec("20")) {
		t.Errorf("best = %v, want 20", got.BestUnrealizedPnL)
	}
}
