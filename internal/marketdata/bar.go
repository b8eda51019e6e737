package marketdata

import (
	"fmt"
	"strings"
	"time"
)

// Bar is one timestamped OHLCV sample. Bars are append-only and time-ordered
// per instrument; once observed they are never revised.
type Bar struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
}

// Snapshot is the per-tick view of one instrument: the latest bar plus the
// derived fields the pipeline and alphas consume. Derived fields that a
// provider cannot supply stay zero and degrade confidence downstream rather
// than failing evaluation.
type Snapshot struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Last       float64   `json:"last"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Volume     int64     `json:"volume"`

	RelVolume     float64 `json:"rel_volume"`      // volume vs. own N-day baseline, 1.0 = normal
	InstNetFlow   float64 `json:"inst_net_flow"`   // institutional/foreign net flow, currency units
	SpreadBps     float64 `json:"spread_bps"`      // bid/ask spread in basis points
	VWAP          float64 `json:"vwap"`            // session VWAP
	BaselineKnown bool    `json:"baseline_known"`  // false when the rel-volume baseline is missing
	StalenessMs   int64   `json:"staleness_ms"`    // age at retrieval time
}

// Validate fails closed: a snapshot with unusable prices is rejected rather
// than scored.
func (s *Snapshot) Validate() error {
	s.Instrument = strings.ToUpper(strings.TrimSpace(s.Instrument))
	if s.Instrument == "" {
		return fmt.Errorf("empty instrument")
	}
	if s.Last <= 0 {
		return fmt.Errorf("invalid last price %.4f for %s", s.Last, s.Instrument)
	}
	if s.Volume < 0 {
		return fmt.Errorf("negative volume %d for %s", s.Volume, s.Instrument)
	}
	if s.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("snapshot timestamp too far in future: %v", s.Timestamp)
	}
	return nil
}

// IsStale reports whether the snapshot exceeds the staleness ceiling.
func (s *Snapshot) IsStale(maxAgeMs int64) bool {
	return s.StalenessMs > maxAgeMs
}

// Granularity of a bar series.
type Granularity string

const (
	Gran1m  Granularity = "1m"
	Gran5m  Granularity = "5m"
	Gran15m Granularity = "15m"
	Gran1d  Granularity = "1d"
)
