package admission

// LayerResult pairs a layer's identity with its verdict for aggregation and
// audit.
type LayerResult struct {
	Name   string       `json:"name"`
	Level  string       `json:"level"`
	Kind   Kind         `json:"kind"`
	Weight float64      `json:"weight"`
	Result FilterResult `json:"result"`
}

// ConfidenceAggregator combines soft-layer confidences into one scalar by
// weighted arithmetic mean and maps that onto a clamped piecewise-linear
// position-size multiplier. Pure function of its inputs: identical layer
// results always produce identical outputs.
type ConfidenceAggregator struct {
	MinConfidence     float64
	SizeMultiplierMin float64
	SizeMultiplierMax float64
}

// Aggregate returns (finalConfidence, shouldPass, reason).
func (ca *ConfidenceAggregator) Aggregate(results []LayerResult) (float64, bool, string) {
	num, den := 0.0, 0.0
	for _, lr := range results {
		if lr.Kind != KindSoft {
			continue
		}
		num += lr.Weight * lr.Result.Confidence
		den += lr.Weight
	}
	if den == 0 {
		return 0, false, "no soft layers evaluated"
	}
	final := num / den
	if final < ca.MinConfidence {
		return final, false, "confidence below minimum"
	}
	return final, true, "confidence sufficient"
}

// SizeMultiplier maps final confidence onto [min,max]: the minimum multiplier
// at the admission threshold, rising linearly to the maximum at full
// confidence. Below the threshold the question is moot (the candidate was
// rejected), but the mapping still clamps at the floor.
func (ca *ConfidenceAggregator) SizeMultiplier(finalConfidence float64) float64 {
	if finalConfidence <= ca.MinConfidence {
		return ca.SizeMultiplierMin
	}
	if finalConfidence >= 1 {
		return ca.SizeMultiplierMax
	}
	span := 1 - ca.MinConfidence
	frac := (finalConfidence - ca.MinConfidence) / span
	return ca.SizeMultiplierMin + frac*(ca.SizeMultiplierMax-ca.SizeMultiplierMin)
}
