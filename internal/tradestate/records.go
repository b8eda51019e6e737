package tradestate

import (
	"time"
)

// Action is the kind of executed trade a ledger record describes.
type Action string

const (
	ActionBuy         Action = "BUY"
	ActionSell        Action = "SELL"
	ActionPartialSell Action = "PARTIAL_SELL"
)

// TradeRecord is one confirmed execution, append-only in the jsonl ledger.
type TradeRecord struct {
	Instrument     string    `json:"instrument"`
	Action         Action    `json:"action"`
	Price          float64   `json:"price"`
	Quantity       int       `json:"quantity"`
	Timestamp      time.Time `json:"timestamp"`
	StrategyTag    string    `json:"strategy_tag"`
	Outcome        string    `json:"outcome,omitempty"` // "win"/"loss" on closing records
	Reason         string    `json:"reason,omitempty"`  // triggering condition
	OrderID        string    `json:"order_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RealizedPnL    float64   `json:"realized_pnl,omitempty"`
}

// BlockKind distinguishes why an instrument is temporarily untouchable.
type BlockKind string

const (
	BlockStopLoss     BlockKind = "stop_loss"
	BlockInvalidation BlockKind = "invalidation"
)

// BlockRecord gates re-entry: after a stop-loss or an explicit setup
// invalidation, the instrument/strategy pair is refused until CooldownUntil.
type BlockRecord struct {
	Instrument    string    `json:"instrument"`
	StrategyTag   string    `json:"strategy_tag"`
	Kind          BlockKind `json:"kind"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Active reports whether the block still binds at now.
func (b BlockRecord) Active(now time.Time) bool {
	return now.Before(b.CooldownUntil)
}
