package marketdata

import (
	"math"
	"sort"
	"sync"
	"time"
)

// History is the per-instrument rolling bar buffer the alphas and regime
// detector read from. Appends must arrive in time order; an out-of-order or
// duplicate bar is dropped, never re-sorted, so a later bar can never be
// observed before an earlier one committed.
type History struct {
	mu      sync.RWMutex
	maxBars int
	bars    map[string][]Bar
}

func NewHistory(maxBars int) *History {
	if maxBars <= 0 {
		maxBars = 500
	}
	return &History{maxBars: maxBars, bars: make(map[string][]Bar)}
}

// Append adds a bar if it advances the series. Returns false when dropped.
func (h *History) Append(bar Bar) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := h.bars[bar.Instrument]
	if n := len(series); n > 0 && !bar.Timestamp.After(series[n-1].Timestamp) {
		return false
	}
	series = append(series, bar)
	if len(series) > h.maxBars {
		series = series[len(series)-h.maxBars:]
	}
	h.bars[bar.Instrument] = series
	return true
}

// Bars returns up to n most recent bars, ascending, as a copy.
func (h *History) Bars(instrument string, n int) []Bar {
	h.mu.RLock()
	defer h.mu.RUnlock()

	series := h.bars[instrument]
	if len(series) == 0 {
		return nil
	}
	if n <= 0 || n > len(series) {
		n = len(series)
	}
	out := make([]Bar, n)
	copy(out, series[len(series)-n:])
	return out
}

// Len reports the number of stored bars for an instrument.
func (h *History) Len(instrument string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bars[instrument])
}

// Closes extracts the close series from bars, ascending.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts the high series from bars, ascending.
func Highs(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts the low series from bars, ascending.
func Lows(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// Volumes extracts the volume series from bars, ascending.
func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Volume)
	}
	return out
}

// RealizedVol computes annualized close-to-close volatility over the series.
// Returns 0 for fewer than 3 bars.
func RealizedVol(bars []Bar, barsPerYear float64) float64 {
	if len(bars) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 {
			continue
		}
		rets = append(rets, math.Log(bars[i].Close/bars[i-1].Close))
	}
	if len(rets) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rets) - 1)
	return math.Sqrt(variance) * math.Sqrt(barsPerYear)
}

// Percentile returns the rank of value within samples, in [0,1].
func Percentile(samples []float64, value float64) float64 {
	if len(samples) == 0 {
		return 0.5
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	below := 0
	for _, s := range sorted {
		if s < value {
			below++
		}
	}
	return float64(below) / float64(len(sorted))
}

// SessionClock resolves the configured trading-session boundaries against a
// wall-clock time. Times are "HH:MM" in the session timezone.
type SessionClock struct {
	loc        *time.Location
	open       int // minutes from midnight
	lastEntry  int
	forcedExit int
}

func NewSessionClock(timezone, open, lastEntry, forcedExit string) (*SessionClock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	o, err := parseHHMM(open)
	if err != nil {
		return nil, err
	}
	le, err := parseHHMM(lastEntry)
	if err != nil {
		return nil, err
	}
	fe, err := parseHHMM(forcedExit)
	if err != nil {
		return nil, err
	}
	return &SessionClock{loc: loc, open: o, lastEntry: le, forcedExit: fe}, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (sc *SessionClock) minutes(now time.Time) int {
	local := now.In(sc.loc)
	return local.Hour()*60 + local.Minute()
}

func (sc *SessionClock) isWeekend(now time.Time) bool {
	wd := now.In(sc.loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// EntryWindowOpen reports whether new entries are admitted at this time.
func (sc *SessionClock) EntryWindowOpen(now time.Time) bool {
	if sc.isWeekend(now) {
		return false
	}
	m := sc.minutes(now)
	return m >= sc.open && m < sc.lastEntry
}

// PastForcedExit reports whether any remaining position must be closed.
func (sc *SessionClock) PastForcedExit(now time.Time) bool {
	if sc.isWeekend(now) {
		return false
	}
	return sc.minutes(now) >= sc.forcedExit
}
