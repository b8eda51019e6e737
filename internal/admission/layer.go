package admission

import (
	"context"
	"time"

	"github.com/alphapipe/trading-engine/internal/alpha"
	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// Kind separates hard-reject gates from confidence-producing ones.
type Kind int

const (
	KindHard Kind = iota
	KindSoft
)

// FilterResult is one layer's verdict. Hard layers only emit confidence 0 or
// 1; soft layers grade. A soft layer that sets Passed=false is the degenerate
// input safety valve and is treated like a hard reject by the pipeline.
type FilterResult struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// EvalContext is the read-only view a layer evaluates against. The engine
// builds one per instrument per tick; layers never mutate it.
type EvalContext struct {
	Instrument string
	Now        time.Time
	Snapshot   *marketdata.Snapshot
	Bars       []marketdata.Bar // 1m bars, ascending
	Bars5m     []marketdata.Bar // coarser series for multi-timeframe checks
	Regime     alpha.Regime
	Account    AccountState
}

// AccountState carries the slice of account/risk state the gates read.
type AccountState struct {
	TradesToday    int
	EntriesBlocked bool // loss circuit breaker active
	BreakerReason  string
}

// Layer is one admission filter. Level is the machine-readable rejection tag
// ("L0".."L4" for hard layers, "S0".."S4" for soft ones).
type Layer interface {
	Name() string
	Level() string
	Kind() Kind
	Evaluate(ctx context.Context, ec *EvalContext) FilterResult
}

func pass(conf float64, reason string) FilterResult {
	return FilterResult{Passed: true, Confidence: conf, Reason: reason}
}

func reject(reason string) FilterResult {
	return FilterResult{Passed: false, Confidence: 0, Reason: reason}
}
