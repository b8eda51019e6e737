package alpha

import (
	"context"
	"fmt"
)

// RelativeVolumeAlpha scores participation: price movement on unusually high
// volume is trusted in its direction, movement on thin volume is discounted.
type RelativeVolumeAlpha struct{}

func NewRelativeVolumeAlpha() *RelativeVolumeAlpha { return &RelativeVolumeAlpha{} }

func (a *RelativeVolumeAlpha) Name() string { return NameRelativeVolume }

func (a *RelativeVolumeAlpha) Compute(ctx context.Context, in Input) (Output, error) {
	snap := in.Snapshot
	if snap == nil {
		return neutral(a.Name(), "no snapshot"), nil
	}
	if !snap.BaselineKnown {
		return neutral(a.Name(), "volume baseline unknown"), nil
	}
	if snap.Open <= 0 {
		return neutral(a.Name(), "no session open price"), nil
	}

	changePct := (snap.Last - snap.Open) / snap.Open * 100
	rel := snap.RelVolume

	// Direction comes from the session move, magnitude from how unusual the
	// volume is. rel=1 is normal and contributes nothing.
	excess := rel - 1.0
	if excess < 0 {
		excess = 0
	}
	dir := 0.0
	switch {
	case changePct > 0.05:
		dir = 1
	case changePct < -0.05:
		dir = -1
	}
	score := clampScore(dir * excess * 1.5)

	conf := 0.4
	if rel >= 1.5 {
		conf = 0.7
	}
	if rel >= 3.0 {
		conf = 0.9
	}

	return Output{
		Name:       a.Name(),
		Score:      score,
		Confidence: clampConfidence(conf),
		Rationale:  fmt.Sprintf("rel_volume=%.2f change=%.2f%%", rel, changePct),
	}, nil
}
