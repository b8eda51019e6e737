package alpha

import (
	"context"

	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// Alpha names; these key the regime weight table and the per-alpha breakdown.
const (
	NameMomentum          = "momentum"
	NameRelativeVolume    = "relative_volume"
	NameInstitutionalFlow = "institutional_flow"
	NameVolatilitySqueeze = "volatility_squeeze"
	NameMeanReversion     = "mean_reversion"
	NameSentiment         = "sentiment"
)

// Input is the read-only per-tick view an alpha scores from.
type Input struct {
	Instrument string
	Bars       []marketdata.Bar // ascending, most recent last
	Snapshot   *marketdata.Snapshot
}

// Output is one alpha's opinion: directional score in [-3,3] and self-reported
// confidence in [0,1]. Ephemeral per tick, logged for audit.
type Output struct {
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Alpha is one independent scorer. Implementations must be side-effect free
// per call so the engine can fan them out across instruments.
type Alpha interface {
	Name() string
	Compute(ctx context.Context, in Input) (Output, error)
}

// SentimentSource is the optional external scorer. A nil source, or a source
// error, degrades the sentiment alpha to zero confidence instead of blocking
// evaluation.
type SentimentSource interface {
	Score(ctx context.Context, instrument string) (float64, error)
}

func clampScore(s float64) float64 {
	if s > 3 {
		return 3
	}
	if s < -3 {
		return -3
	}
	return s
}

func clampConfidence(c float64) float64 {
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// neutral is returned when an alpha lacks the history to form an opinion.
func neutral(name, why string) Output {
	return Output{Name: name, Score: 0, Confidence: 0.2, Rationale: why}
}
