package admission

import (
	"context"
	"fmt"

	"github.com/alphapipe/trading-engine/internal/alpha"
	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// SessionWindowLayer (L0) admits entries only inside the configured session
// entry window.
type SessionWindowLayer struct {
	Clock *marketdata.SessionClock
}

func (l *SessionWindowLayer) Name() string  { return "session_window" }
func (l *SessionWindowLayer) Level() string { return "L0" }
func (l *SessionWindowLayer) Kind() Kind    { return KindHard }

func (l *SessionWindowLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	if !l.Clock.EntryWindowOpen(ec.Now) {
		return reject("outside entry window")
	}
	return pass(1, "entry window open")
}

// TradeBudgetLayer (L1) caps total entries per day across the account.
type TradeBudgetLayer struct {
	MaxTradesPerDay int
}

func (l *TradeBudgetLayer) Name() string  { return "trade_budget" }
func (l *TradeBudgetLayer) Level() string { return "L1" }
func (l *TradeBudgetLayer) Kind() Kind    { return KindHard }

func (l *TradeBudgetLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	if ec.Account.TradesToday >= l.MaxTradesPerDay {
		return reject(fmt.Sprintf("daily trade budget exhausted (%d/%d)", ec.Account.TradesToday, l.MaxTradesPerDay))
	}
	return pass(1, "budget available")
}

// PriceBoundsLayer (L2) rejects instruments priced outside the tradable band.
type PriceBoundsLayer struct {
	MinPrice float64
	MaxPrice float64
}

func (l *PriceBoundsLayer) Name() string  { return "price_bounds" }
func (l *PriceBoundsLayer) Level() string { return "L2" }
func (l *PriceBoundsLayer) Kind() Kind    { return KindHard }

func (l *PriceBoundsLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	last := ec.Snapshot.Last
	if last < l.MinPrice || last > l.MaxPrice {
		return reject(fmt.Sprintf("price %.2f outside [%.2f, %.2f]", last, l.MinPrice, l.MaxPrice))
	}
	return pass(1, "price in bounds")
}

// LossBreakerLayer (L3) blocks all new entries while a realized-loss circuit
// breaker is tripped. The breaker itself lives in the risk manager; this gate
// only reads its state.
type LossBreakerLayer struct{}

func (l *LossBreakerLayer) Name() string  { return "loss_breaker" }
func (l *LossBreakerLayer) Level() string { return "L3" }
func (l *LossBreakerLayer) Kind() Kind    { return KindHard }

func (l *LossBreakerLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	if ec.Account.EntriesBlocked {
		reason := ec.Account.BreakerReason
		if reason == "" {
			reason = "loss breaker active"
		}
		return reject(reason)
	}
	return pass(1, "no breaker active")
}

// RegimeAdmissibilityLayer (L4) blocks entries in regimes the strategy does
// not trade.
type RegimeAdmissibilityLayer struct {
	Blocked map[alpha.Regime]bool
}

func NewRegimeAdmissibilityLayer(blocked []string) *RegimeAdmissibilityLayer {
	m := make(map[alpha.Regime]bool, len(blocked))
	for _, r := range blocked {
		m[alpha.Regime(r)] = true
	}
	return &RegimeAdmissibilityLayer{Blocked: m}
}

func (l *RegimeAdmissibilityLayer) Name() string  { return "regime_admissibility" }
func (l *RegimeAdmissibilityLayer) Level() string { return "L4" }
func (l *RegimeAdmissibilityLayer) Kind() Kind    { return KindHard }

func (l *RegimeAdmissibilityLayer) Evaluate(ctx context.Context, ec *EvalContext) FilterResult {
	if l.Blocked[ec.Regime] {
		return reject(fmt.Sprintf("regime %s not tradable", ec.Regime))
	}
	return pass(1, "regime tradable")
}
