package alpha

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// MeanReversionAlpha fades overextension: a large z-score from the rolling
// mean scores against the move. It is deliberately the mirror of momentum;
// the regime weight table decides which one gets listened to.
type MeanReversionAlpha struct {
	Period int
}

func NewMeanReversionAlpha() *MeanReversionAlpha {
	return &MeanReversionAlpha{Period: 20}
}

func (a *MeanReversionAlpha) Name() string { return NameMeanReversion }

func (a *MeanReversionAlpha) Compute(ctx context.Context, in Input) (Output, error) {
	if len(in.Bars) < a.Period+1 {
		return neutral(a.Name(), fmt.Sprintf("need %d bars, have %d", a.Period+1, len(in.Bars))), nil
	}

	closes := marketdata.Closes(in.Bars)
	sma := talib.Sma(closes, a.Period)
	dev := talib.StdDev(closes, a.Period, 1.0)

	last := len(closes) - 1
	if dev[last] <= 0 {
		return neutral(a.Name(), "zero dispersion"), nil
	}

	z := (closes[last] - sma[last]) / dev[last]

	// Inside one sigma there is nothing to fade.
	score := 0.0
	conf := 0.3
	if z > 1 {
		score = -(z - 1) * 1.5
		conf = 0.55
	} else if z < -1 {
		score = (-z - 1) * 1.5
		conf = 0.55
	}
	if z > 2.5 || z < -2.5 {
		conf = 0.8
	}

	return Output{
		Name:       a.Name(),
		Score:      clampScore(score),
		Confidence: clampConfidence(conf),
		Rationale:  fmt.Sprintf("zscore=%.2f", z),
	}, nil
}
