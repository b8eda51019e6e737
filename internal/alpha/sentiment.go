package alpha

import (
	"context"
	"fmt"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// SentimentAlpha wraps the optional external sentiment scorer. The source
// returns a bounded numeric in [-1,1]; a missing or failing source degrades to
// zero confidence, it never blocks evaluation.
type SentimentAlpha struct {
	source SentimentSource
}

func NewSentimentAlpha(source SentimentSource) *SentimentAlpha {
	return &SentimentAlpha{source: source}
}

func (a *SentimentAlpha) Name() string { return NameSentiment }

func (a *SentimentAlpha) Compute(ctx context.Context, in Input) (Output, error) {
	if a.source == nil {
		return Output{Name: a.Name(), Score: 0, Confidence: 0, Rationale: "no sentiment source"}, nil
	}

	raw, err := a.source.Score(ctx, in.Instrument)
	if err != nil {
		observ.IncCounter("sentiment_errors_total", map[string]string{"instrument": in.Instrument})
		return Output{Name: a.Name(), Score: 0, Confidence: 0, Rationale: "sentiment source error"}, nil
	}

	if raw > 1 {
		raw = 1
	} else if raw < -1 {
		raw = -1
	}

	conf := 0.3 + 0.4*abs(raw) // stronger readings are also more trusted
	return Output{
		Name:       a.Name(),
		Score:      clampScore(raw * 3),
		Confidence: clampConfidence(conf),
		Rationale:  fmt.Sprintf("raw=%.2f", raw),
	}, nil
}
