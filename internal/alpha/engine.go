package alpha

import (
	"context"
	"fmt"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// Aggregate is the combined view across all alphas for one instrument tick.
type Aggregate struct {
	Instrument     string   `json:"instrument"`
	AggregateScore float64  `json:"aggregate_score"`
	Regime         Regime   `json:"regime"`
	Breakdown      []Output `json:"breakdown"`
}

// Engine runs the closed set of alphas and combines them under the active
// regime weights: sum(w*c*s) / sum(w*c). An alpha with zero confidence (or
// zero weight in this regime) contributes nothing.
type Engine struct {
	alphas   []Alpha
	adjuster *WeightAdjuster

	BuyThreshold  float64
	SellThreshold float64
}

func NewEngine(alphas []Alpha, adjuster *WeightAdjuster, buyThreshold, sellThreshold float64) *Engine {
	return &Engine{
		alphas:        alphas,
		adjuster:      adjuster,
		BuyThreshold:  buyThreshold,
		SellThreshold: sellThreshold,
	}
}

// Compute scores one instrument. Individual alpha errors degrade that alpha
// to zero contribution; they do not abort the aggregate.
func (e *Engine) Compute(ctx context.Context, in Input) (Aggregate, error) {
	if len(e.alphas) == 0 {
		return Aggregate{}, fmt.Errorf("no alphas registered")
	}

	weights := e.adjuster.Vector()
	regime := e.adjuster.Regime()

	agg := Aggregate{
		Instrument: in.Instrument,
		Regime:     regime,
		Breakdown:  make([]Output, 0, len(e.alphas)),
	}

	num, den := 0.0, 0.0
	for _, a := range e.alphas {
		out, err := a.Compute(ctx, in)
		if err != nil {
			observ.IncCounter("alpha_errors_total", map[string]string{"alpha": a.Name()})
			out = Output{Name: a.Name(), Score: 0, Confidence: 0, Rationale: "compute error: " + err.Error()}
		}
		agg.Breakdown = append(agg.Breakdown, out)

		w := weights[out.Name]
		wc := w * out.Confidence
		num += wc * out.Score
		den += wc

		observ.Log("alpha_output", map[string]any{
			"instrument": in.Instrument,
			"alpha":      out.Name,
			"score":      out.Score,
			"confidence": out.Confidence,
			"weight":     w,
			"rationale":  out.Rationale,
		})
	}

	if den > 0 {
		agg.AggregateScore = num / den
	}

	observ.SetGauge("alpha_aggregate_score", agg.AggregateScore, map[string]string{"instrument": in.Instrument})
	return agg, nil
}

// SignalsBuy reports whether the aggregate crosses the entry threshold.
func (e *Engine) SignalsBuy(agg Aggregate) bool {
	return agg.AggregateScore >= e.BuyThreshold
}

// SignalsSell reports whether the aggregate crosses the symmetric exit
// threshold.
func (e *Engine) SignalsSell(agg Aggregate) bool {
	return agg.AggregateScore <= e.SellThreshold
}
