package risk

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		RiskPerTradePct:        0.5,
		MaxPositionValue:       20000,
		MaxEquityFractionPct:   20,
		MaxConcurrentPositions: 4,
		MinCashReserve:         5000,
		DailyLossLimit:         1500,
		WeeklyLossLimit:        4000,
		ReducedSizeFactor:      0.5,
		RecoveryThreshold:      2000,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	windows := NewWindowTracker(filepath.Join(t.TempDir(), "pnl.json"))
	if err := windows.Load(time.Now()); err != nil {
		t.Fatal(err)
	}
	return NewManager(testConfig(), windows)
}

func TestSizeRiskBudgetOverStopDistance(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	// 100k balance, 0.5% risk = 500 budget; stop distance 2 -> 250 shares,
	// then capped at 20000/100 = 200 by the absolute position ceiling.
	res := m.Size(100000, 100, 98, 1.0, now)
	if res.Quantity != 200 {
		t.Fatalf("quantity = %d, want 200", res.Quantity)
	}
	if math.Abs(res.Investment-20000) > 1e-9 {
		t.Fatalf("investment = %.2f, want 20000", res.Investment)
	}

	// Wider stop: 500/5 = 100 shares, under every ceiling.
	res = m.Size(100000, 100, 95, 1.0, now)
	if res.Quantity != 100 {
		t.Fatalf("quantity = %d, want 100", res.Quantity)
	}

	// Confidence multiplier scales down.
	res = m.Size(100000, 100, 95, 0.6, now)
	if res.Quantity != 60 {
		t.Fatalf("quantity with 0.6 multiplier = %d, want 60", res.Quantity)
	}
}

func TestSizeRefusesDegenerateInputs(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	cases := []struct {
		name                     string
		balance, price, stop float64
	}{
		{"zero_price", 100000, 0, 0},
		{"zero_balance", 0, 100, 98},
		{"stop_above_entry", 100000, 100, 101},
		{"stop_at_entry", 100000, 100, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if res := m.Size(tc.balance, tc.price, tc.stop, 1.0, now); res.Quantity != 0 {
				t.Fatalf("sized %d shares from degenerate inputs", res.Quantity)
			}
		})
	}
}

func TestDailyLossCeilingBlocksEntries(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	if blocked, _ := m.EntriesBlocked(now); blocked {
		t.Fatal("fresh manager blocks entries")
	}
	if err := m.RecordRealized(-1600, now); err != nil {
		t.Fatal(err)
	}
	blocked, reason := m.EntriesBlocked(now)
	if !blocked {
		t.Fatal("1600 realized loss did not trip the 1500 daily ceiling")
	}
	if reason == "" {
		t.Fatal("block must carry a reason")
	}
	if ok, _ := m.CanOpen(100000, 0, 0, 1000, now); ok {
		t.Fatal("CanOpen allowed an entry under a tripped daily ceiling")
	}

	// Next day the daily window resets.
	tomorrow := now.Add(24 * time.Hour)
	if blocked, _ := m.EntriesBlocked(tomorrow); blocked {
		t.Fatal("daily ceiling still tripped after the window rolled")
	}
}

func TestWeeklyTripLatchesReducedSizing(t *testing.T) {
	m := newTestManager(t)
	// Three losing days inside one week, none large enough to trip the daily
	// ceiling on its own.
	monday := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	for day := 0; day < 3; day++ {
		if err := m.RecordRealized(-1400, monday.Add(time.Duration(day)*24*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	wednesday := monday.Add(48 * time.Hour)
	if blocked, _ := m.EntriesBlocked(wednesday); !blocked {
		t.Fatal("4200 weekly loss did not trip the 4000 ceiling")
	}

	// Partial recovery: entries unblock but sizing stays reduced while
	// losses remain beyond the recovery threshold.
	thursday := monday.Add(72 * time.Hour)
	if err := m.RecordRealized(+300, thursday); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := m.EntriesBlocked(thursday); blocked {
		t.Fatal("entries still blocked after recovering under the ceiling")
	}
	reduced := m.Size(100000, 100, 95, 1.0, thursday)
	if reduced.Quantity != 50 { // 100 shares halved by ReducedSizeFactor
		t.Fatalf("quantity during recovery = %d, want 50", reduced.Quantity)
	}

	// Recover past the threshold: full size restored even though the latch
	// stays set until the week rolls.
	if err := m.RecordRealized(+2000, thursday); err != nil {
		t.Fatal(err)
	}
	restored := m.Size(100000, 100, 95, 1.0, thursday)
	if restored.Quantity != 100 {
		t.Fatalf("quantity after recovery = %d, want 100", restored.Quantity)
	}
}

func TestCanOpenExposureLimits(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	if ok, _ := m.CanOpen(100000, 0, 4, 1000, now); ok {
		t.Fatal("allowed a 5th concurrent position with a cap of 4")
	}
	if ok, reason := m.CanOpen(100000, 90000, 1, 6000, now); ok {
		t.Fatal("allowed entry that breaches the cash reserve floor")
	} else if reason == "" {
		t.Fatal("refusal must carry a reason")
	}
	if ok, _ := m.CanOpen(100000, 50000, 1, 10000, now); !ok {
		t.Fatal("refused an entry well inside every limit")
	}
}

func TestWindowTrackerPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pnl.json")
	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

	wt := NewWindowTracker(path)
	if err := wt.Load(now); err != nil {
		t.Fatal(err)
	}
	if err := wt.AddRealized(-4500, now); err != nil {
		t.Fatal(err)
	}
	if err := wt.MarkWeeklyTripped(now); err != nil {
		t.Fatal(err)
	}

	restarted := NewWindowTracker(path)
	if err := restarted.Load(now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	daily, weekly, tripped := restarted.Snapshot(now.Add(time.Hour))
	if daily != -4500 || weekly != -4500 || !tripped {
		t.Fatalf("restored windows = (%.0f, %.0f, %v), want (-4500, -4500, true)", daily, weekly, tripped)
	}

	// A new week clears both the loss and the latch.
	nextMonday := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	daily, weekly, tripped = restarted.Snapshot(nextMonday)
	if daily != 0 || weekly != 0 || tripped {
		t.Fatalf("windows after week roll = (%.0f, %.0f, %v), want zeros", daily, weekly, tripped)
	}
}
