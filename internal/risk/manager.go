package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// Config mirrors config.Risk.
type Config struct {
	RiskPerTradePct        float64
	MaxPositionValue       float64
	MaxEquityFractionPct   float64
	MaxConcurrentPositions int
	MinCashReserve         float64
	DailyLossLimit         float64
	WeeklyLossLimit        float64
	ReducedSizeFactor      float64
	RecoveryThreshold      float64
}

// SizeResult is the sizing decision for one candidate entry.
type SizeResult struct {
	Quantity   int     `json:"quantity"`
	Investment float64 `json:"investment"`
	RiskAmount float64 `json:"risk_amount"`
}

// Manager sizes positions and enforces loss ceilings and exposure limits.
// It owns the realized-P&L windows; positions themselves are owned by the
// lifecycle and only read here.
type Manager struct {
	cfg     Config
	windows *WindowTracker
}

func NewManager(cfg Config, windows *WindowTracker) *Manager {
	return &Manager{cfg: cfg, windows: windows}
}

// RecordRealized feeds a realized P&L delta into the loss windows.
func (m *Manager) RecordRealized(delta float64, now time.Time) error {
	return m.windows.AddRealized(delta, now)
}

// LoadWindows restores the persisted P&L windows.
func (m *Manager) LoadWindows(now time.Time) error {
	return m.windows.Load(now)
}

// Size computes quantity from risk budget over stop distance:
// (equity fraction risked) / (per-share stop distance), capped by the
// absolute position ceiling and the max-equity-fraction ceiling, then scaled
// by the admission confidence multiplier and any active recovery reduction.
func (m *Manager) Size(balance, price, stopPrice, confidenceMultiplier float64, now time.Time) SizeResult {
	if price <= 0 || balance <= 0 {
		return SizeResult{}
	}
	stopDistance := price - stopPrice
	if stopDistance <= 0 {
		// No meaningful stop below entry; refuse to size rather than invent
		// a distance.
		return SizeResult{}
	}

	riskBudget := balance * m.cfg.RiskPerTradePct / 100
	qty := riskBudget / stopDistance

	// Ceilings.
	maxByValue := m.cfg.MaxPositionValue / price
	maxByFraction := balance * m.cfg.MaxEquityFractionPct / 100 / price
	qty = math.Min(qty, math.Min(maxByValue, maxByFraction))

	// Confidence scaling from the admission pipeline.
	if confidenceMultiplier > 0 {
		qty *= confidenceMultiplier
	}

	// Reduced sizing while recovering from a weekly breaker trip.
	if m.recoveryActive(now) {
		qty *= m.cfg.ReducedSizeFactor
		observ.IncCounter("sizing_reduced_total", nil)
	}

	n := int(math.Floor(qty))
	if n <= 0 {
		return SizeResult{}
	}
	return SizeResult{
		Quantity:   n,
		Investment: float64(n) * price,
		RiskAmount: float64(n) * stopDistance,
	}
}

// CanOpen checks whether a new entry is admissible at all: concurrent
// position cap, minimum cash reserve, and the daily/weekly realized-loss
// circuit breakers. Once a ceiling is crossed no entries are admitted until
// the window resets.
func (m *Manager) CanOpen(balance, openPositionsValue float64, openPositionCount int, candidateValue float64, now time.Time) (bool, string) {
	if blocked, reason := m.EntriesBlocked(now); blocked {
		return false, reason
	}
	if openPositionCount >= m.cfg.MaxConcurrentPositions {
		return false, fmt.Sprintf("max concurrent positions reached (%d)", openPositionCount)
	}
	cashAfter := balance - openPositionsValue - candidateValue
	if cashAfter < m.cfg.MinCashReserve {
		return false, fmt.Sprintf("cash reserve floor: %.2f after entry < %.2f", cashAfter, m.cfg.MinCashReserve)
	}
	return true, ""
}

// EntriesBlocked reports whether a loss ceiling currently blocks all new
// entries, with a machine-readable reason.
func (m *Manager) EntriesBlocked(now time.Time) (bool, string) {
	daily, weekly, _ := m.windows.Snapshot(now)

	if -daily >= m.cfg.DailyLossLimit {
		observ.SetGauge("loss_breaker_active", 1, map[string]string{"window": "daily"})
		return true, fmt.Sprintf("daily loss limit: %.2f >= %.2f", -daily, m.cfg.DailyLossLimit)
	}
	observ.SetGauge("loss_breaker_active", 0, map[string]string{"window": "daily"})

	if -weekly >= m.cfg.WeeklyLossLimit {
		if err := m.windows.MarkWeeklyTripped(now); err != nil {
			observ.Log("pnl_window_persist_error", map[string]any{"err": err.Error()})
		}
		observ.SetGauge("loss_breaker_active", 1, map[string]string{"window": "weekly"})
		return true, fmt.Sprintf("weekly loss limit: %.2f >= %.2f", -weekly, m.cfg.WeeklyLossLimit)
	}
	observ.SetGauge("loss_breaker_active", 0, map[string]string{"window": "weekly"})
	return false, ""
}

// recoveryActive reports whether the post-trip reduced-sizing regime applies:
// the weekly breaker fired this week and losses have not yet recovered above
// the (smaller) recovery threshold.
func (m *Manager) recoveryActive(now time.Time) bool {
	_, weekly, tripped := m.windows.Snapshot(now)
	if !tripped {
		return false
	}
	return -weekly > m.cfg.RecoveryThreshold
}
