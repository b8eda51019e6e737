package admission

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// Soft layers always pass structurally and grade confidence instead, with one
// exception: a degenerate input a layer cannot trust (volume near zero against
// its own baseline) hard-rejects, because strength computed on no liquidity is
// noise no matter how good it looks.

// TrendConsensusLayer (S0) measures EMA alignment across the 1m and 5m
// series. Full agreement on both timeframes scores high; a split tape scores
// mid; alignment against the long side scores low.
type TrendConsensusLayer struct {
	Neutral float64
}

func (l *TrendConsensusLayer) Name() string  { return "trend_consensus" }
func (l *TrendConsensusLayer) Level() string { return "S0" }
func (l *TrendConsensusLayer) Kind() Kind    { return KindSoft }

func (l *TrendConsensusLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	votes := 0
	total := 0
	for _, series := range [][]marketdata.Bar{ec.Bars, ec.Bars5m} {
		v, ok := trendVote(series)
		if !ok {
			continue
		}
		total++
		votes += v
	}
	if total == 0 {
		if len(ec.Bars) == 0 && len(ec.Bars5m) == 0 {
			return reject("no price history at all")
		}
		return pass(l.Neutral, "insufficient history for trend consensus")
	}

	conf := 0.0
	switch {
	case votes == total: // every timeframe bullish
		conf = 0.9
	case votes > 0:
		conf = 0.65
	case votes == 0:
		conf = 0.45
	case votes == -total:
		conf = 0.1
	default:
		conf = 0.25
	}
	return pass(conf, fmt.Sprintf("trend votes %d/%d timeframes", votes, total))
}

// trendVote returns +1 bullish, -1 bearish, 0 flat for one series.
func trendVote(bars []marketdata.Bar) (int, bool) {
	if len(bars) < 30 {
		return 0, false
	}
	closes := marketdata.Closes(bars)
	fast := talib.Ema(closes, 9)
	slow := talib.Ema(closes, 21)
	last := len(closes) - 1
	if slow[last] <= 0 {
		return 0, false
	}
	sep := (fast[last] - slow[last]) / slow[last]
	switch {
	case sep > 0.0005:
		return 1, true
	case sep < -0.0005:
		return -1, true
	default:
		return 0, true
	}
}

// InstitutionalFlowShiftLayer (S1) grades the sign and persistence of net
// institutional flow. No flow feed degrades to neutral.
type InstitutionalFlowShiftLayer struct {
	Neutral float64
}

func (l *InstitutionalFlowShiftLayer) Name() string  { return "institutional_flow" }
func (l *InstitutionalFlowShiftLayer) Level() string { return "S1" }
func (l *InstitutionalFlowShiftLayer) Kind() Kind    { return KindSoft }

func (l *InstitutionalFlowShiftLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	snap := ec.Snapshot
	if snap == nil || snap.InstNetFlow == 0 {
		return pass(l.Neutral, "no flow data")
	}
	notional := 0.0
	for _, b := range lastN(ec.Bars, 30) {
		notional += b.Close * float64(b.Volume)
	}
	if notional <= 0 {
		return pass(l.Neutral, "no traded notional")
	}
	frac := snap.InstNetFlow / notional
	conf := 0.5 + frac/0.02*0.4 // +-2% of notional maps to +-0.4
	if conf > 0.95 {
		conf = 0.95
	}
	if conf < 0.05 {
		conf = 0.05
	}
	return pass(conf, fmt.Sprintf("flow fraction %.4f of notional", frac))
}

// VolatilitySqueezeLayer (S2) grades how favorable the volatility state is
// for a fresh long: an upward break out of compression is the best setup, a
// downward break the worst.
type VolatilitySqueezeLayer struct {
	Neutral float64
}

func (l *VolatilitySqueezeLayer) Name() string  { return "volatility_squeeze" }
func (l *VolatilitySqueezeLayer) Level() string { return "S2" }
func (l *VolatilitySqueezeLayer) Kind() Kind    { return KindSoft }

func (l *VolatilitySqueezeLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	const period = 20
	if len(ec.Bars) < period*3 {
		return pass(l.Neutral, "insufficient history for band state")
	}
	closes := marketdata.Closes(ec.Bars)
	upper, _, lower := talib.BBands(closes, period, 2.0, 2.0, talib.SMA)
	last := len(closes) - 1

	width := upper[last] - lower[last]
	widths := make([]float64, 0, last)
	for i := period; i <= last; i++ {
		widths = append(widths, upper[i]-lower[i])
	}
	pct := marketdata.Percentile(widths, width)
	price := closes[last]

	switch {
	case pct < 0.25 && price > upper[last]:
		return pass(0.9, "upward break out of compression")
	case pct < 0.25 && price < lower[last]:
		return pass(0.1, "downward break out of compression")
	case pct < 0.25:
		return pass(0.6, "compressed, no break yet")
	case price < lower[last]:
		return pass(0.2, "below lower band in open volatility")
	default:
		return pass(0.5, fmt.Sprintf("bands open, width pctile %.2f", pct))
	}
}

// EdgeSource reports historical performance of a setup; implemented by the
// trade-state manager over the closed-trade ledger.
type EdgeSource interface {
	EdgeFor(instrument, strategyTag string) (winRate float64, samples int)
}

// HistoricalEdgeLayer (S3) grades the instrument/strategy pair by its
// realized win rate. Few samples keep it near neutral; it is weighted
// lightest in aggregation precisely because this estimate is noisy.
type HistoricalEdgeLayer struct {
	Source      EdgeSource
	StrategyTag string
	Neutral     float64
}

func (l *HistoricalEdgeLayer) Name() string  { return "historical_edge" }
func (l *HistoricalEdgeLayer) Level() string { return "S3" }
func (l *HistoricalEdgeLayer) Kind() Kind    { return KindSoft }

func (l *HistoricalEdgeLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	if l.Source == nil {
		return pass(l.Neutral, "no edge history source")
	}
	winRate, samples := l.Source.EdgeFor(ec.Instrument, l.StrategyTag)
	if samples < 5 {
		return pass(l.Neutral, fmt.Sprintf("only %d samples", samples))
	}
	// Map win rate 0.3..0.7 onto 0.2..0.8, clamped.
	conf := 0.2 + (winRate-0.3)/0.4*0.6
	if conf > 0.8 {
		conf = 0.8
	}
	if conf < 0.2 {
		conf = 0.2
	}
	return pass(conf, fmt.Sprintf("win rate %.2f over %d trades", winRate, samples))
}

// RelativeVolumeStrengthLayer (S4) grades conviction behind the move by
// relative volume. This is the layer with the degenerate-input safety valve:
// when the baseline is known and today's volume is a sliver of it, the layer
// hard-rejects regardless of price action.
type RelativeVolumeStrengthLayer struct {
	MinRelVolumeFloor float64
	Neutral           float64
}

func (l *RelativeVolumeStrengthLayer) Name() string  { return "relative_volume" }
func (l *RelativeVolumeStrengthLayer) Level() string { return "S4" }
func (l *RelativeVolumeStrengthLayer) Kind() Kind    { return KindSoft }

func (l *RelativeVolumeStrengthLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	snap := ec.Snapshot
	if snap == nil || !snap.BaselineKnown {
		return pass(l.Neutral, "volume baseline unknown")
	}
	if snap.RelVolume < l.MinRelVolumeFloor {
		return reject(fmt.Sprintf("volume %.3f of baseline, below floor %.3f", snap.RelVolume, l.MinRelVolumeFloor))
	}
	conf := 0.0
	switch {
	case snap.RelVolume >= 3.0:
		conf = 0.9
	case snap.RelVolume >= 1.5:
		conf = 0.7
	case snap.RelVolume >= 1.0:
		conf = 0.55
	case snap.RelVolume >= 0.5:
		conf = 0.4
	default:
		conf = 0.25
	}
	return pass(conf, fmt.Sprintf("rel volume %.2f", snap.RelVolume))
}

func lastN(bars []marketdata.Bar, n int) []marketdata.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}
