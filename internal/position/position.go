package position

import (
	"time"
)

// Stage is the lifecycle stage of an open position.
type Stage string

const (
	StageEntered  Stage = "ENTERED"
	StagePartial1 Stage = "PARTIAL_1"
	StagePartial2 Stage = "PARTIAL_2"
	StageTrailing Stage = "TRAILING"
	StageClosed   Stage = "CLOSED"
)

// Position is one open trade. Created on a confirmed buy, mutated only by the
// lifecycle, removed on full exit. RemainingQuantity only ever decreases;
// HighestPriceSinceEntry and (once set) TrailingStopPrice only ever rise.
type Position struct {
	Instrument             string    `json:"instrument"`
	EntryPrice             float64   `json:"entry_price"`
	Quantity               int       `json:"quantity"` // original size
	RemainingQuantity      int       `json:"remaining_quantity"`
	EntryTime              time.Time `json:"entry_time"`
	Stage                  Stage     `json:"stage"`
	HighestPriceSinceEntry float64   `json:"highest_price_since_entry"`
	TrailingStopPrice      float64   `json:"trailing_stop_price"`
	StrategyTag            string    `json:"strategy_tag"`
	RealizedPnL            float64   `json:"realized_pnl"`
	TiersFired             []bool    `json:"tiers_fired"`
}

// New builds a freshly entered position.
func New(instrument string, entryPrice float64, quantity int, entryTime time.Time, strategyTag string, tierCount int) *Position {
	return &Position{
		Instrument:             instrument,
		EntryPrice:             entryPrice,
		Quantity:               quantity,
		RemainingQuantity:      quantity,
		EntryTime:              entryTime,
		Stage:                  StageEntered,
		HighestPriceSinceEntry: entryPrice,
		StrategyTag:            strategyTag,
		TiersFired:             make([]bool, tierCount),
	}
}

// ObservePrice folds a new tick price into the high-water mark and, when
// trailing is active, ratchets the trailing stop. Both values only move in
// the profit-protecting direction.
func (p *Position) ObservePrice(price, trailDistancePct float64) {
	if price > p.HighestPriceSinceEntry {
		p.HighestPriceSinceEntry = price
	}
	if p.Stage == StageTrailing {
		candidate := p.HighestPriceSinceEntry * (1 - trailDistancePct/100)
		if candidate > p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
		}
	}
}

// UnrealizedPct is the open P&L of the remainder in percent of entry.
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// firedCount reports how many take-profit tiers have fired.
func (p *Position) firedCount() int {
	n := 0
	for _, f := range p.TiersFired {
		if f {
			n++
		}
	}
	return n
}
