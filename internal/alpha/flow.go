package alpha

import (
	"context"
	"fmt"
)

// InstitutionalFlowAlpha scores net institutional/foreign flow relative to the
// instrument's recent traded notional. Flow data is an optional provider
// extension; when it is absent the alpha reports neutral.
type InstitutionalFlowAlpha struct {
	LookbackBars int
}

func NewInstitutionalFlowAlpha() *InstitutionalFlowAlpha {
	return &InstitutionalFlowAlpha{LookbackBars: 30}
}

func (a *InstitutionalFlowAlpha) Name() string { return NameInstitutionalFlow }

func (a *InstitutionalFlowAlpha) Compute(ctx context.Context, in Input) (Output, error) {
	snap := in.Snapshot
	if snap == nil || snap.InstNetFlow == 0 {
		return neutral(a.Name(), "no flow data"), nil
	}
	if len(in.Bars) < a.LookbackBars {
		return neutral(a.Name(), fmt.Sprintf("need %d bars, have %d", a.LookbackBars, len(in.Bars))), nil
	}

	bars := in.Bars[len(in.Bars)-a.LookbackBars:]
	notional := 0.0
	for _, b := range bars {
		notional += b.Close * float64(b.Volume)
	}
	if notional <= 0 {
		return neutral(a.Name(), "no traded notional"), nil
	}

	// Flow as a fraction of recent notional; 2% of notional as one-sided flow
	// is a very strong reading.
	frac := snap.InstNetFlow / notional
	score := clampScore(frac / 0.02 * 3)

	conf := 0.5
	if abs(frac) > 0.005 {
		conf = 0.75
	}
	if abs(frac) > 0.02 {
		conf = 0.9
	}

	return Output{
		Name:       a.Name(),
		Score:      score,
		Confidence: clampConfidence(conf),
		Rationale:  fmt.Sprintf("net_flow=%.0f notional=%.0f frac=%.4f", snap.InstNetFlow, notional, frac),
	}, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
