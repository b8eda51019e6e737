package admission

import (
	"context"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// AggregateSignal is the pipeline's overall verdict for one candidate.
// Ephemeral per tick; the full layer trace is logged for audit.
type AggregateSignal struct {
	Instrument      string        `json:"instrument"`
	FinalConfidence float64       `json:"final_confidence"`
	ShouldPass      bool          `json:"should_pass"`
	SizeMultiplier  float64       `json:"size_multiplier"`
	RejectionLevel  string        `json:"rejection_level,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	Layers          []LayerResult `json:"layers"`
}

// Pipeline runs the ordered layer list: hard gates short-circuit on failure,
// soft gates accumulate graded confidence for the aggregator. A soft layer's
// degenerate-input rejection short-circuits exactly like a hard failure.
type Pipeline struct {
	layers     []Layer
	weights    map[string]float64 // soft layer name -> aggregation weight
	aggregator *ConfidenceAggregator
}

func NewPipeline(layers []Layer, weights map[string]float64, aggregator *ConfidenceAggregator) *Pipeline {
	return &Pipeline{layers: layers, weights: weights, aggregator: aggregator}
}

func (p *Pipeline) Evaluate(ctx context.Context, ec *EvalContext) AggregateSignal {
	sig := AggregateSignal{
		Instrument: ec.Instrument,
		Layers:     make([]LayerResult, 0, len(p.layers)),
	}

	for _, layer := range p.layers {
		res := layer.Evaluate(ctx, ec)
		lr := LayerResult{
			Name:   layer.Name(),
			Level:  layer.Level(),
			Kind:   layer.Kind(),
			Weight: p.weights[layer.Name()],
			Result: res,
		}
		sig.Layers = append(sig.Layers, lr)

		if !res.Passed {
			sig.ShouldPass = false
			sig.FinalConfidence = 0
			sig.RejectionLevel = layer.Level()
			sig.RejectionReason = res.Reason
			observ.IncCounter("admission_rejections_total", map[string]string{
				"level": layer.Level(), "layer": layer.Name(),
			})
			observ.Log("admission_rejected", map[string]any{
				"instrument": ec.Instrument,
				"level":      layer.Level(),
				"layer":      layer.Name(),
				"reason":     res.Reason,
			})
			return sig
		}
	}

	final, shouldPass, reason := p.aggregator.Aggregate(sig.Layers)
	sig.FinalConfidence = final
	sig.ShouldPass = shouldPass
	if shouldPass {
		sig.SizeMultiplier = p.aggregator.SizeMultiplier(final)
	} else {
		sig.RejectionLevel = "CONFIDENCE"
		sig.RejectionReason = reason
		observ.IncCounter("admission_rejections_total", map[string]string{
			"level": "CONFIDENCE", "layer": "aggregator",
		})
	}

	observ.Log("admission_evaluated", map[string]any{
		"instrument":       ec.Instrument,
		"final_confidence": final,
		"should_pass":      shouldPass,
		"size_multiplier":  sig.SizeMultiplier,
		"reason":           reason,
	})
	return sig
}
