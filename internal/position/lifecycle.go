package position

import (
	"context"
	"fmt"
	"time"

	"github.com/alphapipe/trading-engine/internal/observ"
	"github.com/alphapipe/trading-engine/internal/tradestate"
)

// Tier is one partial take-profit rung: close Fraction of the original
// quantity once price clears entry*(1+GainPct/100). Each tier fires at most
// once.
type Tier struct {
	GainPct  float64
	Fraction float64
}

// StrategyParams is the per-strategy lifecycle behavior, loaded from config
// at startup.
type StrategyParams struct {
	PartialTiers       []Tier
	TrailDistancePct   float64
	HardStopPct        float64
	EarlyFailWindowMin int
	EarlyFailPct       float64
	CooldownMin        int // stop-loss cooldown override; 0 = trade-state default
}

// ExitKind names the condition that triggered an exit decision.
type ExitKind string

const (
	ExitNone           ExitKind = ""
	ExitEarlyFailure   ExitKind = "early_failure"
	ExitHardStop       ExitKind = "hard_stop"
	ExitPartialTier    ExitKind = "partial_tier"
	ExitTrailingStop   ExitKind = "trailing_stop"
	ExitTrendBreakdown ExitKind = "trend_breakdown"
	ExitForcedTime     ExitKind = "forced_time"
)

// Decision is one evaluation verdict. Quantity is what to sell now; Urgent
// decisions escalate to market orders at the executor.
type Decision struct {
	Kind      ExitKind
	Quantity  int
	TierIndex int
	Urgent    bool
	Reason    string
}

// EvaluateExit applies the per-tick transition priority to a position at the
// given price. First match wins; lower-priority checks are skipped once one
// fires. Pure function: callers fold the price into the position
// (ObservePrice) before evaluating.
func EvaluateExit(pos *Position, strat StrategyParams, price float64, now time.Time, trendBreakdown, pastForcedExit bool) Decision {
	if pos.RemainingQuantity <= 0 || pos.Stage == StageClosed {
		return Decision{}
	}
	pnlPct := pos.UnrealizedPct(price)

	// 1. Early-failure cut: a trade going wrong immediately is cut at a
	// tighter threshold than the wider hard stop would allow.
	window := time.Duration(strat.EarlyFailWindowMin) * time.Minute
	if now.Sub(pos.EntryTime) <= window && pnlPct <= -strat.EarlyFailPct {
		return Decision{
			Kind: ExitEarlyFailure, Quantity: pos.RemainingQuantity, Urgent: true,
			Reason: fmt.Sprintf("%.2f%% loss within %dm of entry", pnlPct, strat.EarlyFailWindowMin),
		}
	}

	// 2. Emergency hard stop.
	if pnlPct <= -strat.HardStopPct {
		return Decision{
			Kind: ExitHardStop, Quantity: pos.RemainingQuantity, Urgent: true,
			Reason: fmt.Sprintf("%.2f%% loss breached hard stop %.2f%%", pnlPct, strat.HardStopPct),
		}
	}

	// 3. Partial take-profit tiers, in order, each at most once. Fractions
	// apply to the original quantity, not the remainder.
	for i, tier := range strat.PartialTiers {
		if pos.TiersFired[i] {
			continue
		}
		target := pos.EntryPrice * (1 + tier.GainPct/100)
		if price >= target {
			qty := int(float64(pos.Quantity) * tier.Fraction)
			if qty > pos.RemainingQuantity {
				qty = pos.RemainingQuantity
			}
			if qty <= 0 {
				break
			}
			return Decision{
				Kind: ExitPartialTier, Quantity: qty, TierIndex: i,
				Reason: fmt.Sprintf("tier %d target %.2f reached", i+1, target),
			}
		}
		break // tiers fire in order; a lower unmet tier blocks higher ones
	}

	// 4. Trailing stop on the remainder.
	if pos.Stage == StageTrailing && pos.TrailingStopPrice > 0 && price <= pos.TrailingStopPrice {
		return Decision{
			Kind: ExitTrailingStop, Quantity: pos.RemainingQuantity,
			Reason: fmt.Sprintf("price %.2f breached trailing stop %.2f", price, pos.TrailingStopPrice),
		}
	}

	// 5. Confirmed structural reversal.
	if trendBreakdown {
		return Decision{
			Kind: ExitTrendBreakdown, Quantity: pos.RemainingQuantity,
			Reason: "trend breakdown confirmed",
		}
	}

	// 6. Forced time-based exit.
	if pastForcedExit {
		return Decision{
			Kind: ExitForcedTime, Quantity: pos.RemainingQuantity, Urgent: true,
			Reason: "past session forced-exit cutoff",
		}
	}

	return Decision{}
}

// Seller places exit orders; implemented by the order executor. The intent
// key identifies the logical exit so retries after ambiguity cannot double
// sell. PartialSell carries tier exits that leave quantity on the book.
type Seller interface {
	Sell(ctx context.Context, instrument string, qty int, urgent bool, intentKey string) (*tradestate.TradeRecord, error)
	PartialSell(ctx context.Context, instrument string, qty int, urgent bool, intentKey string) (*tradestate.TradeRecord, error)
}

// Recorder is the slice of the trade-state manager the lifecycle writes
// through. All exit recording goes through it so admission and lifecycle
// never hold divergent eligibility views.
type Recorder interface {
	MarkTraded(rec tradestate.TradeRecord) error
	MarkStopLoss(instrument, strategyTag, reason string, now time.Time, cooldownMin int) error
}

// PnLSink receives realized P&L deltas; implemented by the risk manager.
type PnLSink interface {
	RecordRealized(delta float64, now time.Time) error
}

// Lifecycle owns every open position from confirmed entry to full exit.
type Lifecycle struct {
	store      *Store
	strategies map[string]StrategyParams
	seller     Seller
	recorder   Recorder
	pnl        PnLSink
}

func NewLifecycle(store *Store, strategies map[string]StrategyParams, seller Seller, recorder Recorder, pnl PnLSink) *Lifecycle {
	return &Lifecycle{store: store, strategies: strategies, seller: seller, recorder: recorder, pnl: pnl}
}

// Enter registers a confirmed buy as a new position.
func (lc *Lifecycle) Enter(instrument string, fillPrice float64, qty int, entryTime time.Time, strategyTag string) error {
	strat, ok := lc.strategies[strategyTag]
	if !ok {
		return fmt.Errorf("unknown strategy tag %q", strategyTag)
	}
	pos := New(instrument, fillPrice, qty, entryTime, strategyTag, len(strat.PartialTiers))
	if err := lc.store.Open(pos); err != nil {
		return err
	}
	observ.Log("position_opened", map[string]any{
		"instrument": instrument, "entry_price": fillPrice,
		"quantity": qty, "strategy_tag": strategyTag,
	})
	return nil
}

// Tick evaluates exit conditions for one instrument at one price. Multiple
// decisions may fire in a single tick (both profit tiers cleared by one
// move); the loop re-evaluates after each confirmed fill. A failed exit
// order leaves state untouched so the condition re-fires next tick.
func (lc *Lifecycle) Tick(ctx context.Context, instrument string, price float64, now time.Time, trendBreakdown, pastForcedExit bool) error {
	pos, ok := lc.store.Get(instrument)
	if !ok {
		return nil
	}
	strat, ok := lc.strategies[pos.StrategyTag]
	if !ok {
		return fmt.Errorf("position %s carries unknown strategy tag %q", instrument, pos.StrategyTag)
	}

	if err := lc.store.Update(instrument, func(p *Position) {
		p.ObservePrice(price, strat.TrailDistancePct)
	}); err != nil {
		return err
	}

	// Bounded by tiers + final exit; prevents a livelock if a decision
	// somehow fails to consume quantity.
	for i := 0; i <= len(strat.PartialTiers)+1; i++ {
		pos, ok = lc.store.Get(instrument)
		if !ok {
			return nil
		}
		d := EvaluateExit(&pos, strat, price, now, trendBreakdown, pastForcedExit)
		if d.Kind == ExitNone {
			return nil
		}
		if err := lc.execute(ctx, &pos, strat, d, price, now); err != nil {
			observ.Log("exit_order_failed", map[string]any{
				"instrument": instrument, "kind": string(d.Kind), "err": err.Error(),
			})
			observ.IncCounter("exit_order_failures_total", map[string]string{"kind": string(d.Kind)})
			return nil // condition re-evaluates next tick
		}
	}
	return nil
}

func (lc *Lifecycle) execute(ctx context.Context, pos *Position, strat StrategyParams, d Decision, price float64, now time.Time) error {
	intentKey := fmt.Sprintf("%s_%s_%d_%s_%d",
		pos.Instrument, pos.StrategyTag, pos.EntryTime.Unix(), d.Kind, d.TierIndex)

	sell := lc.seller.Sell
	if d.Quantity < pos.RemainingQuantity {
		sell = lc.seller.PartialSell
	}
	rec, err := sell(ctx, pos.Instrument, d.Quantity, d.Urgent, intentKey)
	if err != nil {
		return err
	}

	fillPrice := rec.Price
	realized := float64(d.Quantity) * (fillPrice - pos.EntryPrice)
	before := pos.Stage

	var after Stage
	if err := lc.store.Update(pos.Instrument, func(p *Position) {
		p.RemainingQuantity -= d.Quantity
		p.RealizedPnL += realized
		if d.Kind == ExitPartialTier {
			p.TiersFired[d.TierIndex] = true
			if p.firedCount() >= len(strat.PartialTiers) {
				p.Stage = StageTrailing
				p.ObservePrice(price, strat.TrailDistancePct) // arm the stop now
			} else {
				p.Stage = partialStage(p.firedCount())
			}
		}
		if p.RemainingQuantity <= 0 {
			p.Stage = StageClosed
		}
		after = p.Stage
	}); err != nil {
		return err
	}

	observ.Log("position_transition", map[string]any{
		"instrument":   pos.Instrument,
		"stage_before": string(before),
		"stage_after":  string(after),
		"trigger":      string(d.Kind),
		"reason":       d.Reason,
		"quantity":     d.Quantity,
		"fill_price":   fillPrice,
	})

	closed := after == StageClosed
	action := tradestate.ActionPartialSell
	outcome := ""
	totalRealized := pos.RealizedPnL + realized
	if closed {
		action = tradestate.ActionSell
		if totalRealized >= 0 {
			outcome = "win"
		} else {
			outcome = "loss"
		}
	}

	rec.Action = action
	rec.StrategyTag = pos.StrategyTag
	rec.Reason = string(d.Kind)
	rec.Outcome = outcome
	if closed {
		rec.RealizedPnL = totalRealized
	}
	if err := lc.recorder.MarkTraded(*rec); err != nil {
		return fmt.Errorf("record trade: %w", err)
	}

	if closed && (d.Kind == ExitHardStop || d.Kind == ExitEarlyFailure) {
		if err := lc.recorder.MarkStopLoss(pos.Instrument, pos.StrategyTag, d.Reason, now, strat.CooldownMin); err != nil {
			return fmt.Errorf("record stop-loss: %w", err)
		}
	}

	if err := lc.pnl.RecordRealized(realized, now); err != nil {
		return fmt.Errorf("record realized pnl: %w", err)
	}

	if closed {
		return lc.store.Close(pos.Instrument)
	}
	return nil
}

func partialStage(fired int) Stage {
	switch fired {
	case 1:
		return StagePartial1
	default:
		return StagePartial2
	}
}
