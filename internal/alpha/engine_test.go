package alpha

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/alphapipe/trading-engine/internal/marketdata"
)

type fixedAlpha struct {
	name string
	out  Output
	err  error
}

func (f *fixedAlpha) Name() string { return f.name }
func (f *fixedAlpha) Compute(ctx context.Context, in Input) (Output, error) {
	return f.out, f.err
}

func TestEngineWeightedAggregation(t *testing.T) {
	adjuster := NewWeightAdjuster(map[Regime]WeightVector{
		RegimeNormal: {"strong": 2.0, "weak": 1.0},
	})
	eng := NewEngine([]Alpha{
		&fixedAlpha{name: "strong", out: Output{Name: "strong", Score: 2.0, Confidence: 0.9}},
		&fixedAlpha{name: "weak", out: Output{Name: "weak", Score: -1.0, Confidence: 0.5}},
	}, adjuster, 1.0, -1.0)

	agg, err := eng.Compute(context.Background(), Input{Instrument: "ACME"})
	if err != nil {
		t.Fatal(err)
	}
	want := (2.0*0.9*2.0 + 1.0*0.5*-1.0) / (2.0*0.9 + 1.0*0.5)
	if math.Abs(agg.AggregateScore-want) > 1e-9 {
		t.Fatalf("aggregate = %.6f, want %.6f", agg.AggregateScore, want)
	}
	if !eng.SignalsBuy(agg) {
		t.Fatalf("aggregate %.3f did not signal buy at threshold 1.0", agg.AggregateScore)
	}
}

// One failing alpha degrades to zero contribution; it must not poison the
// aggregate.
func TestEngineDegradesFailingAlpha(t *testing.T) {
	adjuster := NewWeightAdjuster(map[Regime]WeightVector{
		RegimeNormal: {"good": 1.0, "broken": 1.0},
	})
	eng := NewEngine([]Alpha{
		&fixedAlpha{name: "good", out: Output{Name: "good", Score: 1.5, Confidence: 0.8}},
		&fixedAlpha{name: "broken", err: errors.New("feed down")},
	}, adjuster, 1.0, -1.0)

	agg, err := eng.Compute(context.Background(), Input{Instrument: "ACME"})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(agg.AggregateScore-1.5) > 1e-9 {
		t.Fatalf("aggregate = %.6f, want 1.5 (broken alpha excluded)", agg.AggregateScore)
	}
	if len(agg.Breakdown) != 2 {
		t.Fatalf("breakdown entries = %d, want 2", len(agg.Breakdown))
	}
}

func TestWeightAdjusterSwapsOnRegime(t *testing.T) {
	table := map[Regime]WeightVector{
		RegimeNormal:     {NameMomentum: 1.0},
		RegimeTrendingUp: {NameMomentum: 1.6},
	}
	wa := NewWeightAdjuster(table)
	if wa.Regime() != RegimeNormal {
		t.Fatalf("initial regime = %s, want NORMAL", wa.Regime())
	}
	if wa.Vector()[NameMomentum] != 1.0 {
		t.Fatalf("initial momentum weight = %v", wa.Vector()[NameMomentum])
	}

	wa.Apply(RegimeTrendingUp)
	if wa.Vector()[NameMomentum] != 1.6 || wa.Regime() != RegimeTrendingUp {
		t.Fatalf("after apply: weight=%v regime=%s", wa.Vector()[NameMomentum], wa.Regime())
	}

	// Unknown regimes fall back to the NORMAL vector.
	wa.Apply(Regime("SIDEWAYS_CHOP"))
	if wa.Vector()[NameMomentum] != 1.0 {
		t.Fatalf("fallback momentum weight = %v, want 1.0", wa.Vector()[NameMomentum])
	}
}

func trendBars(n int, perBarPct float64) []marketdata.Bar {
	start := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, n)
	price := 100.0
	for i := range bars {
		next := price * (1 + perBarPct/100)
		bars[i] = marketdata.Bar{
			Instrument: "SPYX",
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
			Open:       price, High: next, Low: price, Close: next,
			Volume: 10000,
		}
		price = next
	}
	return bars
}

func TestRegimeDetectorClassifiesTrend(t *testing.T) {
	rd := NewRegimeDetector(RegimeDetectorConfig{Lookback: 60, TrendSlopeMin: 0.03})

	regime, changed := rd.Update(trendBars(80, 0.1))
	if regime != RegimeTrendingUp || !changed {
		t.Fatalf("steady 0.1%%/bar climb classified as %s (changed=%v)", regime, changed)
	}

	regime, _ = rd.Update(trendBars(80, -0.1))
	if regime != RegimeTrendingDown {
		t.Fatalf("steady decline classified as %s", regime)
	}
}

func TestRegimeDetectorNeedsHistory(t *testing.T) {
	rd := NewRegimeDetector(RegimeDetectorConfig{Lookback: 60})
	regime, changed := rd.Update(trendBars(10, 0.5))
	if regime != RegimeNormal || changed {
		t.Fatalf("short history produced %s (changed=%v)", regime, changed)
	}
}
