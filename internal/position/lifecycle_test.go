package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alphapipe/trading-engine/internal/tradestate"
)

type fakeSeller struct {
	fillPrice    float64
	fills        []int // quantities, in order
	partialFills int
	failNext     error
}

func (f *fakeSeller) Sell(ctx context.Context, instrument string, qty int, urgent bool, intentKey string) (*tradestate.TradeRecord, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.fills = append(f.fills, qty)
	return &tradestate.TradeRecord{
		Instrument: instrument,
		Price:      f.fillPrice,
		Quantity:   qty,
		Timestamp:  time.Now().UTC(),
		OrderID:    "fake-1",
	}, nil
}

func (f *fakeSeller) PartialSell(ctx context.Context, instrument string, qty int, urgent bool, intentKey string) (*tradestate.TradeRecord, error) {
	f.partialFills++
	return f.Sell(ctx, instrument, qty, urgent, intentKey)
}

type fakeRecorder struct {
	trades    []tradestate.TradeRecord
	stopLoss  int
	lastStop  string
	lastCDMin int
}

func (f *fakeRecorder) MarkTraded(rec tradestate.TradeRecord) error {
	f.trades = append(f.trades, rec)
	return nil
}

func (f *fakeRecorder) MarkStopLoss(instrument, strategyTag, reason string, now time.Time, cooldownMin int) error {
	f.stopLoss++
	f.lastStop = reason
	f.lastCDMin = cooldownMin
	return nil
}

type fakePnL struct{ total float64 }

func (f *fakePnL) RecordRealized(delta float64, now time.Time) error {
	f.total += delta
	return nil
}

func testStrategy() StrategyParams {
	return StrategyParams{
		PartialTiers:       []Tier{{GainPct: 1.0, Fraction: 0.3}, {GainPct: 2.0, Fraction: 0.3}},
		TrailDistancePct:   1.0,
		HardStopPct:        2.0,
		EarlyFailWindowMin: 10,
		EarlyFailPct:       0.8,
	}
}

func newTestLifecycle(t *testing.T) (*Lifecycle, *Store, *fakeSeller, *fakeRecorder, *fakePnL) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "positions.json"))
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	seller := &fakeSeller{}
	recorder := &fakeRecorder{}
	pnl := &fakePnL{}
	lc := NewLifecycle(store, map[string]StrategyParams{"default": testStrategy()}, seller, recorder, pnl)
	return lc, store, seller, recorder, pnl
}

// A single tick that gaps through both profit targets must fire both tiers,
// each sized against the original quantity, then arm the trailing stop on the
// 40% remainder.
func TestBothTiersFireInOneTick(t *testing.T) {
	lc, store, seller, recorder, _ := newTestLifecycle(t)
	entry := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	if err := lc.Enter("ACME", 100.0, 100, entry, "default"); err != nil {
		t.Fatal(err)
	}

	seller.fillPrice = 102.5
	now := entry.Add(30 * time.Minute)
	if err := lc.Tick(context.Background(), "ACME", 102.5, now, false, false); err != nil {
		t.Fatal(err)
	}

	if len(seller.fills) != 2 || seller.fills[0] != 30 || seller.fills[1] != 30 {
		t.Fatalf("fills = %v, want [30 30]", seller.fills)
	}
	if seller.partialFills != 2 {
		t.Fatalf("partial sells = %d, want 2", seller.partialFills)
	}
	pos, ok := store.Get("ACME")
	if !ok {
		t.Fatal("position gone after partial exits")
	}
	if pos.RemainingQuantity != 40 {
		t.Fatalf("remaining = %d, want 40", pos.RemainingQuantity)
	}
	if pos.Stage != StageTrailing {
		t.Fatalf("stage = %s, want %s", pos.Stage, StageTrailing)
	}
	wantStop := 102.5 * 0.99
	if pos.TrailingStopPrice < wantStop-1e-9 || pos.TrailingStopPrice > wantStop+1e-9 {
		t.Fatalf("trailing stop = %.4f, want %.4f", pos.TrailingStopPrice, wantStop)
	}
	for _, rec := range recorder.trades {
		if rec.Action != tradestate.ActionPartialSell {
			t.Fatalf("partial exit recorded as %s", rec.Action)
		}
	}
}

// The trailing stop ratchets up with new highs and never moves down; the
// eventual breach closes the remainder as a win.
func TestTrailingStopRatchetAndExit(t *testing.T) {
	lc, store, seller, recorder, pnl := newTestLifecycle(t)
	entry := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	if err := lc.Enter("ACME", 100.0, 100, entry, "default"); err != nil {
		t.Fatal(err)
	}

	now := entry.Add(30 * time.Minute)
	seller.fillPrice = 102.5
	if err := lc.Tick(context.Background(), "ACME", 102.5, now, false, false); err != nil {
		t.Fatal(err)
	}
	pos, _ := store.Get("ACME")
	stopBefore := pos.TrailingStopPrice

	// New high ratchets the stop.
	if err := lc.Tick(context.Background(), "ACME", 103.0, now.Add(time.Minute), false, false); err != nil {
		t.Fatal(err)
	}
	pos, _ = store.Get("ACME")
	if pos.TrailingStopPrice <= stopBefore {
		t.Fatalf("stop did not ratchet: %.4f -> %.4f", stopBefore, pos.TrailingStopPrice)
	}
	ratcheted := pos.TrailingStopPrice

	// A pullback that stays above the stop must not move it.
	if err := lc.Tick(context.Background(), "ACME", 102.2, now.Add(2*time.Minute), false, false); err != nil {
		t.Fatal(err)
	}
	pos, _ = store.Get("ACME")
	if pos.TrailingStopPrice != ratcheted {
		t.Fatalf("stop moved on pullback: %.4f -> %.4f", ratcheted, pos.TrailingStopPrice)
	}

	// Breach closes the remainder.
	seller.fillPrice = 101.9
	if err := lc.Tick(context.Background(), "ACME", 101.9, now.Add(3*time.Minute), false, false); err != nil {
		t.Fatal(err)
	}
	if _, held := store.Get("ACME"); held {
		t.Fatal("position still open after trailing stop breach")
	}
	final := recorder.trades[len(recorder.trades)-1]
	if final.Action != tradestate.ActionSell || final.Outcome != "win" {
		t.Fatalf("closing record = %s/%s, want SELL/win", final.Action, final.Outcome)
	}
	if pnl.total <= 0 {
		t.Fatalf("realized pnl %.2f, want positive", pnl.total)
	}
	if recorder.stopLoss != 0 {
		t.Fatal("profitable trailing exit recorded as stop-loss")
	}
}

// A sharp loss right after entry exits on the tighter early-failure threshold
// and starts the re-entry cooldown.
func TestEarlyFailureCut(t *testing.T) {
	lc, store, seller, recorder, pnl := newTestLifecycle(t)
	entry := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	if err := lc.Enter("ACME", 100.0, 100, entry, "default"); err != nil {
		t.Fatal(err)
	}

	seller.fillPrice = 99.1
	if err := lc.Tick(context.Background(), "ACME", 99.1, entry.Add(5*time.Minute), false, false); err != nil {
		t.Fatal(err)
	}

	if _, held := store.Get("ACME"); held {
		t.Fatal("position survived early-failure cut")
	}
	if recorder.stopLoss != 1 {
		t.Fatalf("stop-loss recorded %d times, want 1", recorder.stopLoss)
	}
	final := recorder.trades[len(recorder.trades)-1]
	if final.Outcome != "loss" || final.Reason != string(ExitEarlyFailure) {
		t.Fatalf("closing record outcome=%s reason=%s", final.Outcome, final.Reason)
	}
	if pnl.total >= 0 {
		t.Fatalf("realized pnl %.2f, want negative", pnl.total)
	}
}

// A failed exit order must leave state untouched so the condition re-fires.
func TestFailedExitOrderLeavesStateIntact(t *testing.T) {
	lc, store, seller, _, _ := newTestLifecycle(t)
	entry := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	if err := lc.Enter("ACME", 100.0, 100, entry, "default"); err != nil {
		t.Fatal(err)
	}

	seller.failNext = context.DeadlineExceeded
	seller.fillPrice = 97.0
	now := entry.Add(30 * time.Minute)
	if err := lc.Tick(context.Background(), "ACME", 97.0, now, false, false); err != nil {
		t.Fatal(err)
	}
	pos, held := store.Get("ACME")
	if !held || pos.RemainingQuantity != 100 {
		t.Fatalf("state changed after failed order: held=%v remaining=%d", held, pos.RemainingQuantity)
	}

	// Next tick succeeds and closes on the hard stop.
	if err := lc.Tick(context.Background(), "ACME", 97.0, now.Add(time.Minute), false, false); err != nil {
		t.Fatal(err)
	}
	if _, held := store.Get("ACME"); held {
		t.Fatal("hard stop did not close on retry")
	}
}

func TestEvaluateExitPriority(t *testing.T) {
	strat := testStrategy()
	entry := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		price     float64
		at        time.Time
		breakdown bool
		forced    bool
		want      ExitKind
	}{
		{"early_failure_inside_window", 99.1, entry.Add(5 * time.Minute), false, false, ExitEarlyFailure},
		{"hard_stop_outside_window", 97.9, entry.Add(30 * time.Minute), false, false, ExitHardStop},
		{"hard_stop_beats_breakdown", 97.9, entry.Add(30 * time.Minute), true, false, ExitHardStop},
		{"tier_beats_breakdown", 101.1, entry.Add(30 * time.Minute), true, false, ExitPartialTier},
		{"breakdown_beats_forced", 100.5, entry.Add(30 * time.Minute), true, true, ExitTrendBreakdown},
		{"forced_alone", 100.5, entry.Add(30 * time.Minute), false, true, ExitForcedTime},
		{"nothing", 100.5, entry.Add(30 * time.Minute), false, false, ExitNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := New("ACME", 100.0, 100, entry, "default", len(strat.PartialTiers))
			pos.ObservePrice(tc.price, strat.TrailDistancePct)
			d := EvaluateExit(pos, strat, tc.price, tc.at, tc.breakdown, tc.forced)
			if d.Kind != tc.want {
				t.Fatalf("kind = %q, want %q", d.Kind, tc.want)
			}
		})
	}
}

func TestForcedExitIsUrgentAndFull(t *testing.T) {
	strat := testStrategy()
	entry := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	pos := New("ACME", 100.0, 80, entry, "default", len(strat.PartialTiers))
	pos.RemainingQuantity = 50

	d := EvaluateExit(pos, strat, 100.2, entry.Add(2*time.Hour), false, true)
	if d.Kind != ExitForcedTime || !d.Urgent || d.Quantity != 50 {
		t.Fatalf("decision = %+v, want urgent full forced exit of 50", d)
	}
}
