package marketdata

import (
	"testing"
	"time"
)

func TestHistoryDropsOutOfOrderBars(t *testing.T) {
	h := NewHistory(10)
	base := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)

	if !h.Append(Bar{Instrument: "ACME", Timestamp: base, Close: 100}) {
		t.Fatal("first bar dropped")
	}
	if !h.Append(Bar{Instrument: "ACME", Timestamp: base.Add(time.Minute), Close: 101}) {
		t.Fatal("advancing bar dropped")
	}
	if h.Append(Bar{Instrument: "ACME", Timestamp: base.Add(time.Minute), Close: 102}) {
		t.Fatal("duplicate timestamp accepted")
	}
	if h.Append(Bar{Instrument: "ACME", Timestamp: base.Add(-time.Minute), Close: 99}) {
		t.Fatal("out-of-order bar accepted")
	}
	bars := h.Bars("ACME", 0)
	if len(bars) != 2 || bars[1].Close != 101 {
		t.Fatalf("series = %v", bars)
	}
}

func TestHistoryBoundsBuffer(t *testing.T) {
	h := NewHistory(3)
	base := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.Append(Bar{Instrument: "ACME", Timestamp: base.Add(time.Duration(i) * time.Minute), Close: float64(100 + i)})
	}
	if h.Len("ACME") != 3 {
		t.Fatalf("len = %d, want 3", h.Len("ACME"))
	}
	bars := h.Bars("ACME", 0)
	if bars[0].Close != 102 || bars[2].Close != 104 {
		t.Fatalf("wrong bars retained: %v", bars)
	}
}

func TestSessionClockWindows(t *testing.T) {
	clock, err := NewSessionClock("UTC", "09:30", "15:00", "15:50")
	if err != nil {
		t.Fatal(err)
	}
	day := func(h, m int) time.Time {
		return time.Date(2026, 8, 25, h, m, 0, 0, time.UTC) // Tuesday
	}
	cases := []struct {
		name       string
		at         time.Time
		entryOpen  bool
		pastForced bool
	}{
		{"before_open", day(9, 0), false, false},
		{"at_open", day(9, 30), true, false},
		{"midday", day(12, 0), true, false},
		{"at_last_entry", day(15, 0), false, false},
		{"past_forced_exit", day(15, 55), false, true},
		{"weekend", time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := clock.EntryWindowOpen(tc.at); got != tc.entryOpen {
				t.Fatalf("EntryWindowOpen = %v, want %v", got, tc.entryOpen)
			}
			if got := clock.PastForcedExit(tc.at); got != tc.pastForced {
				t.Fatalf("PastForcedExit = %v, want %v", got, tc.pastForced)
			}
		})
	}
}

func TestSessionClockRejectsBadSpec(t *testing.T) {
	if _, err := NewSessionClock("Narnia/Wardrobe", "09:30", "15:00", "15:50"); err == nil {
		t.Fatal("bogus timezone accepted")
	}
	if _, err := NewSessionClock("UTC", "9am", "15:00", "15:50"); err == nil {
		t.Fatal("bogus open time accepted")
	}
}

func TestPercentileRanking(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if p := Percentile(samples, 10.5); p != 1.0 {
		t.Fatalf("top rank = %v, want 1.0", p)
	}
	if p := Percentile(samples, 0.5); p != 0.0 {
		t.Fatalf("bottom rank = %v, want 0.0", p)
	}
	if p := Percentile(samples, 5.5); p != 0.5 {
		t.Fatalf("median rank = %v, want 0.5", p)
	}
	if p := Percentile(nil, 3); p != 0.5 {
		t.Fatalf("empty-sample rank = %v, want 0.5", p)
	}
}

func TestSnapshotValidateFailsClosed(t *testing.T) {
	good := &Snapshot{Instrument: "acme", Last: 100, Volume: 10, Timestamp: time.Now()}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	if good.Instrument != "ACME" {
		t.Fatalf("instrument not normalized: %q", good.Instrument)
	}
	bad := []*Snapshot{
		{Instrument: "", Last: 100},
		{Instrument: "ACME", Last: 0},
		{Instrument: "ACME", Last: 100, Volume: -1},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Fatalf("case %d passed validation", i)
		}
	}
}
