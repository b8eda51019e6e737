package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// WindowTracker is the daily/weekly realized-P&L accumulator. It owns the
// reset lifecycle: daily window rolls at the UTC date boundary, the weekly
// window at Monday 00:00 UTC. State survives restarts via an atomic JSON
// snapshot so a crash cannot reopen a tripped loss ceiling.
type WindowTracker struct {
	mu          sync.RWMutex
	persistPath string
	state       windowState
}

type windowState struct {
	Day           string  `json:"day"`            // YYYY-MM-DD (UTC)
	WeekMonday    string  `json:"week_monday"`    // YYYY-MM-DD of the week's Monday (UTC)
	DailyPnL      float64 `json:"daily_pnl"`      // realized, negative = loss
	WeeklyPnL     float64 `json:"weekly_pnl"`
	WeeklyTripped bool    `json:"weekly_tripped"` // weekly breaker fired this week
	UpdatedAt     string  `json:"updated_at"`
}

func NewWindowTracker(persistPath string) *WindowTracker {
	return &WindowTracker{persistPath: persistPath}
}

// Load restores windows from disk, discarding any window that has since
// rolled over.
func (wt *WindowTracker) Load(now time.Time) error {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	data, err := os.ReadFile(wt.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			wt.resetUnsafe(now)
			return wt.saveUnsafe()
		}
		return fmt.Errorf("read pnl windows: %w", err)
	}
	if err := json.Unmarshal(data, &wt.state); err != nil {
		return fmt.Errorf("unmarshal pnl windows: %w", err)
	}
	wt.rollUnsafe(now)
	return nil
}

// AddRealized records a realized P&L delta (negative for losses).
func (wt *WindowTracker) AddRealized(delta float64, now time.Time) error {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	wt.rollUnsafe(now)
	wt.state.DailyPnL += delta
	wt.state.WeeklyPnL += delta

	observ.SetGauge("realized_pnl_daily", wt.state.DailyPnL, nil)
	observ.SetGauge("realized_pnl_weekly", wt.state.WeeklyPnL, nil)
	return wt.saveUnsafe()
}

// MarkWeeklyTripped latches the weekly breaker; it stays latched until the
// week resets or losses recover (the manager decides the recovery rule).
func (wt *WindowTracker) MarkWeeklyTripped(now time.Time) error {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	wt.rollUnsafe(now)
	wt.state.WeeklyTripped = true
	return wt.saveUnsafe()
}

// Snapshot returns (dailyPnL, weeklyPnL, weeklyTripped) after rolling windows.
func (wt *WindowTracker) Snapshot(now time.Time) (float64, float64, bool) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	wt.rollUnsafe(now)
	return wt.state.DailyPnL, wt.state.WeeklyPnL, wt.state.WeeklyTripped
}

func (wt *WindowTracker) rollUnsafe(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	monday := mondayOf(now).Format("2006-01-02")

	if wt.state.Day != day {
		wt.state.Day = day
		wt.state.DailyPnL = 0
	}
	if wt.state.WeekMonday != monday {
		wt.state.WeekMonday = monday
		wt.state.WeeklyPnL = 0
		wt.state.WeeklyTripped = false
	}
}

func (wt *WindowTracker) resetUnsafe(now time.Time) {
	wt.state = windowState{
		Day:        now.UTC().Format("2006-01-02"),
		WeekMonday: mondayOf(now).Format("2006-01-02"),
	}
}

func (wt *WindowTracker) saveUnsafe() error {
	if wt.persistPath == "" {
		return nil
	}
	wt.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(wt.state, "", "  ")
	if err != nil {
		return err
	}
	tempPath := wt.persistPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, wt.persistPath)
}

// mondayOf returns Monday 00:00 UTC of the week containing t.
func mondayOf(t time.Time) time.Time {
	u := t.UTC()
	weekday := int(u.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := u.AddDate(0, 0, -(weekday - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}
