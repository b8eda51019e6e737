package alpha

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// VolatilitySqueezeAlpha looks for Bollinger-band compression followed by a
// directional break. A tight band with price pushing through one side scores
// in the break direction; a tight band with no break yet scores zero but with
// decent confidence that a move is loading.
type VolatilitySqueezeAlpha struct {
	BandPeriod   int
	SqueezeRatio float64 // band width / ATR-normalized width under this = squeeze
}

func NewVolatilitySqueezeAlpha() *VolatilitySqueezeAlpha {
	return &VolatilitySqueezeAlpha{BandPeriod: 20, SqueezeRatio: 1.1}
}

func (a *VolatilitySqueezeAlpha) Name() string { return NameVolatilitySqueeze }

func (a *VolatilitySqueezeAlpha) Compute(ctx context.Context, in Input) (Output, error) {
	need := a.BandPeriod * 3
	if len(in.Bars) < need {
		return neutral(a.Name(), fmt.Sprintf("need %d bars, have %d", need, len(in.Bars))), nil
	}

	closes := marketdata.Closes(in.Bars)
	highs := marketdata.Highs(in.Bars)
	lows := marketdata.Lows(in.Bars)

	upper, middle, lower := talib.BBands(closes, a.BandPeriod, 2.0, 2.0, talib.SMA)
	atr := talib.Atr(highs, lows, closes, 14)

	last := len(closes) - 1
	if middle[last] <= 0 || atr[last] <= 0 {
		return neutral(a.Name(), "degenerate bands"), nil
	}

	width := upper[last] - lower[last]
	// Width history percentile over the computable range.
	widths := make([]float64, 0, last)
	for i := a.BandPeriod; i <= last; i++ {
		widths = append(widths, upper[i]-lower[i])
	}
	pct := marketdata.Percentile(widths, width)

	squeezed := pct < 0.25
	price := closes[last]

	score := 0.0
	conf := 0.4
	state := "open"
	switch {
	case squeezed && price > upper[last]:
		score = 2.0
		conf = 0.85
		state = "break_up"
	case squeezed && price < lower[last]:
		score = -2.0
		conf = 0.85
		state = "break_down"
	case squeezed:
		score = 0
		conf = 0.6
		state = "coiled"
	default:
		// Bands open: mild continuation read off band position.
		pos := (price - middle[last]) / (width / 2)
		score = clampScore(pos)
		conf = 0.4
	}

	return Output{
		Name:       a.Name(),
		Score:      clampScore(score),
		Confidence: clampConfidence(conf),
		Rationale:  fmt.Sprintf("state=%s width_pctile=%.2f", state, pct),
	}, nil
}
