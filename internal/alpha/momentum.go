package alpha

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// MomentumAlpha scores short-horizon directional momentum from an EMA
// crossover confirmed by RSI. Strong readings on both axes compound; an RSI
// pinned at an extreme caps confidence since continuation is less reliable
// there.
type MomentumAlpha struct {
	FastPeriod int
	SlowPeriod int
	RSIPeriod  int
}

func NewMomentumAlpha() *MomentumAlpha {
	return &MomentumAlpha{FastPeriod: 9, SlowPeriod: 21, RSIPeriod: 14}
}

func (a *MomentumAlpha) Name() string { return NameMomentum }

func (a *MomentumAlpha) Compute(ctx context.Context, in Input) (Output, error) {
	need := a.SlowPeriod + a.RSIPeriod
	if len(in.Bars) < need {
		return neutral(a.Name(), fmt.Sprintf("need %d bars, have %d", need, len(in.Bars))), nil
	}

	closes := marketdata.Closes(in.Bars)
	fast := talib.Ema(closes, a.FastPeriod)
	slow := talib.Ema(closes, a.SlowPeriod)
	rsi := talib.Rsi(closes, a.RSIPeriod)

	last := len(closes) - 1
	if slow[last] <= 0 {
		return neutral(a.Name(), "degenerate ema"), nil
	}

	// EMA separation in percent, scaled so ~1.5% separation saturates.
	sep := (fast[last] - slow[last]) / slow[last] * 100
	score := clampScore(sep * 2)

	// RSI distance from 50 confirms or contradicts the crossover.
	rsiBias := (rsi[last] - 50) / 50 // [-1,1]
	score = clampScore(score + rsiBias*1.0)

	conf := 0.5
	if (sep > 0) == (rsiBias > 0) {
		conf = 0.8 // both axes agree
	}
	if rsi[last] > 80 || rsi[last] < 20 {
		conf *= 0.7 // stretched, continuation less reliable
	}

	return Output{
		Name:       a.Name(),
		Score:      score,
		Confidence: clampConfidence(conf),
		Rationale:  fmt.Sprintf("ema_sep=%.3f%% rsi=%.1f", sep, rsi[last]),
	}, nil
}
