package alpha

import (
	"sync/atomic"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// WeightVector is one regime's per-alpha weights, keyed by alpha name.
// Vectors are immutable once published.
type WeightVector map[string]float64

// WeightAdjuster maps the detected regime to the effective weight vector.
// The active vector swaps atomically on regime change so no instrument is
// ever scored against a half-updated set.
type WeightAdjuster struct {
	table   map[Regime]WeightVector
	current atomic.Pointer[WeightVector]
	regime  atomic.Value // Regime
}

func NewWeightAdjuster(table map[Regime]WeightVector) *WeightAdjuster {
	wa := &WeightAdjuster{table: table}
	wa.Apply(RegimeNormal)
	return wa
}

// Apply publishes the vector for the given regime. Unknown regimes fall back
// to NORMAL.
func (wa *WeightAdjuster) Apply(regime Regime) {
	vec, ok := wa.table[regime]
	if !ok {
		vec = wa.table[RegimeNormal]
	}
	// Copy so later table edits can never leak into a published vector.
	published := make(WeightVector, len(vec))
	for k, v := range vec {
		published[k] = v
	}
	wa.current.Store(&published)
	wa.regime.Store(regime)
	observ.SetGauge("weight_vector_regime", 1, map[string]string{"regime": string(regime)})
}

// Vector returns the active weight vector. The returned map must be treated
// as read-only.
func (wa *WeightAdjuster) Vector() WeightVector {
	return *wa.current.Load()
}

// Regime returns the regime the active vector belongs to.
func (wa *WeightAdjuster) Regime() Regime {
	r, _ := wa.regime.Load().(Regime)
	return r
}
