package tradestate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// Config mirrors config.TradeState.
type Config struct {
	StopLossCooldownMin     int
	InvalidationCooldownMin int
	MaxEntriesPerStrategy   int // per instrument per strategy per day
	PersistPath             string
}

// Manager is the single source of truth for "may instrument X be entered now
// under strategy tag S". It is the only writer of trade, stop-loss and
// invalidation events; both the admission gate and the lifecycle's exit
// recording go through it so eligibility never diverges.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	ledger *Ledger
	state  persistedState
}

type persistedState struct {
	Version    int64                  `json:"version"`
	UpdatedAt  string                 `json:"updated_at"`
	Day        string                 `json:"day"`         // YYYY-MM-DD UTC for the entry counters
	EntryCount map[string]int         `json:"entry_count"` // instrument|tag -> entries today
	Blocks     map[string]BlockRecord `json:"blocks"`      // instrument|tag -> latest block
}

func NewManager(cfg Config, ledger *Ledger) *Manager {
	return &Manager{
		cfg:    cfg,
		ledger: ledger,
		state: persistedState{
			Day:        time.Now().UTC().Format("2006-01-02"),
			EntryCount: make(map[string]int),
			Blocks:     make(map[string]BlockRecord),
		},
	}
}

// Load restores state from disk; expired blocks and stale day counters are
// dropped on the way in.
func (m *Manager) Load(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.cfg.PersistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m.saveUnsafe()
		}
		return fmt.Errorf("read trade state: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("unmarshal trade state: %w", err)
	}
	if m.state.EntryCount == nil {
		m.state.EntryCount = make(map[string]int)
	}
	if m.state.Blocks == nil {
		m.state.Blocks = make(map[string]BlockRecord)
	}
	m.rollDayUnsafe(now)
	for key, b := range m.state.Blocks {
		if !b.Active(now) {
			delete(m.state.Blocks, key)
		}
	}
	return nil
}

// CanEnter gates a candidate entry. Refusals carry a machine-readable reason.
// The cooldown refusal is unconditional: no signal strength overrides it.
func (m *Manager) CanEnter(instrument, strategyTag string, now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayUnsafe(now)
	key := stateKey(instrument, strategyTag)

	if b, ok := m.state.Blocks[key]; ok {
		if b.Active(now) {
			observ.IncCounter("reentry_refusals_total", map[string]string{
				"instrument": instrument, "kind": string(b.Kind),
			})
			return false, fmt.Sprintf("%s cooldown until %s: %s",
				b.Kind, b.CooldownUntil.UTC().Format(time.RFC3339), b.Reason)
		}
		delete(m.state.Blocks, key)
	}

	if m.state.EntryCount[key] >= m.cfg.MaxEntriesPerStrategy {
		return false, fmt.Sprintf("entry cap for %s/%s reached (%d)",
			instrument, strategyTag, m.cfg.MaxEntriesPerStrategy)
	}
	return true, ""
}

// MarkTraded records a confirmed execution: appends the ledger and, for buys,
// bumps the per-strategy daily entry counter.
func (m *Manager) MarkTraded(rec TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ledger.Append(rec); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	m.rollDayUnsafe(rec.Timestamp)
	if rec.Action == ActionBuy {
		m.state.EntryCount[stateKey(rec.Instrument, rec.StrategyTag)]++
	}
	observ.IncCounter("trades_recorded_total", map[string]string{"action": string(rec.Action)})
	return m.saveUnsafe()
}

// MarkStopLoss records a stop-out and starts the re-entry cooldown.
// cooldownMin <= 0 uses the configured default.
func (m *Manager) MarkStopLoss(instrument, strategyTag, reason string, now time.Time, cooldownMin int) error {
	if cooldownMin <= 0 {
		cooldownMin = m.cfg.StopLossCooldownMin
	}
	return m.block(BlockRecord{
		Instrument:    instrument,
		StrategyTag:   strategyTag,
		Kind:          BlockStopLoss,
		Reason:        reason,
		Timestamp:     now,
		CooldownUntil: now.Add(time.Duration(cooldownMin) * time.Minute),
	})
}

// MarkInvalidated records an explicit setup invalidation; re-entry is refused
// until the invalidation window lapses (an independent new setup forming).
func (m *Manager) MarkInvalidated(instrument, strategyTag, reason string, now time.Time) error {
	return m.block(BlockRecord{
		Instrument:    instrument,
		StrategyTag:   strategyTag,
		Kind:          BlockInvalidation,
		Reason:        reason,
		Timestamp:     now,
		CooldownUntil: now.Add(time.Duration(m.cfg.InvalidationCooldownMin) * time.Minute),
	})
}

func (m *Manager) block(b BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Blocks[stateKey(b.Instrument, b.StrategyTag)] = b
	observ.Log("reentry_block_set", map[string]any{
		"instrument":     b.Instrument,
		"strategy_tag":   b.StrategyTag,
		"kind":           string(b.Kind),
		"reason":         b.Reason,
		"cooldown_until": b.CooldownUntil.UTC().Format(time.RFC3339),
	})
	return m.saveUnsafe()
}

// EntriesToday reports the account-wide buy count for the day; the trade
// budget gate reads this.
func (m *Manager) EntriesToday(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayUnsafe(now)
	total := 0
	for _, n := range m.state.EntryCount {
		total += n
	}
	return total
}

// EdgeFor implements admission.EdgeSource: realized win rate for the pair
// from closing ledger records.
func (m *Manager) EdgeFor(instrument, strategyTag string) (float64, int) {
	records, err := m.ledger.All()
	if err != nil {
		return 0, 0
	}
	wins, total := 0, 0
	for _, rec := range records {
		if rec.Instrument != instrument || rec.StrategyTag != strategyTag || rec.Outcome == "" {
			continue
		}
		total++
		if rec.Outcome == "win" {
			wins++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(wins) / float64(total), total
}

func (m *Manager) rollDayUnsafe(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if m.state.Day != day {
		m.state.Day = day
		m.state.EntryCount = make(map[string]int)
	}
}

func (m *Manager) saveUnsafe() error {
	if m.cfg.PersistPath == "" {
		return nil
	}
	m.state.Version++
	m.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	tempPath := m.cfg.PersistPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, m.cfg.PersistPath)
}

func stateKey(instrument, strategyTag string) string {
	return instrument + "|" + strategyTag
}
