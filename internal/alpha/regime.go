package alpha

import (
	"sync"

	talib "github.com/markcheno/go-talib"

	"github.com/alphapipe/trading-engine/internal/marketdata"
	"github.com/alphapipe/trading-engine/internal/observ"
)

// Regime is the market-behavior classification used to reweight alphas.
type Regime string

const (
	RegimeNormal       Regime = "NORMAL"
	RegimeHighVol      Regime = "HIGH_VOL"
	RegimeLowVol       Regime = "LOW_VOL"
	RegimeTrendingUp   Regime = "TRENDING_UP"
	RegimeTrendingDown Regime = "TRENDING_DOWN"
)

// RegimeDetectorConfig mirrors config.Alpha's regime fields.
type RegimeDetectorConfig struct {
	Lookback      int     // bars of realized vol per sample
	HighVolPctile float64 // sample percentile above which vol is "high"
	LowVolPctile  float64
	TrendSlopeMin float64 // EMA slope pct/bar that qualifies as trending
	MaxSamples    int
}

// RegimeDetector owns the current market regime. It is updated from a
// reference instrument's bars once per tick by the evaluation loop; scorers
// read the classification through the WeightAdjuster, never directly.
type RegimeDetector struct {
	mu         sync.RWMutex
	cfg        RegimeDetectorConfig
	volSamples []float64
	current    Regime
}

func NewRegimeDetector(cfg RegimeDetectorConfig) *RegimeDetector {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 60
	}
	if cfg.HighVolPctile <= 0 {
		cfg.HighVolPctile = 0.8
	}
	if cfg.LowVolPctile <= 0 {
		cfg.LowVolPctile = 0.2
	}
	if cfg.TrendSlopeMin <= 0 {
		cfg.TrendSlopeMin = 0.03
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 250
	}
	return &RegimeDetector{cfg: cfg, current: RegimeNormal}
}

// Current returns the last classification.
func (rd *RegimeDetector) Current() Regime {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.current
}

// Update reclassifies from the reference bar series and returns the regime
// plus whether it changed. Trend classification wins over the volatility
// buckets: a market moving hard directionally is treated as trending even
// when realized vol is elevated.
func (rd *RegimeDetector) Update(bars []marketdata.Bar) (Regime, bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if len(bars) < rd.cfg.Lookback {
		return rd.current, false
	}

	window := bars[len(bars)-rd.cfg.Lookback:]
	vol := marketdata.RealizedVol(window, 252*390) // annualize 1m bars
	if vol > 0 {
		rd.volSamples = append(rd.volSamples, vol)
		if len(rd.volSamples) > rd.cfg.MaxSamples {
			rd.volSamples = rd.volSamples[len(rd.volSamples)-rd.cfg.MaxSamples:]
		}
	}

	next := RegimeNormal

	closes := marketdata.Closes(window)
	ema := talib.Ema(closes, 20)
	last := len(closes) - 1
	slopePct := 0.0
	if last >= 20 && ema[last-5] > 0 {
		slopePct = (ema[last] - ema[last-5]) / ema[last-5] / 5 * 100
	}

	switch {
	case slopePct >= rd.cfg.TrendSlopeMin:
		next = RegimeTrendingUp
	case slopePct <= -rd.cfg.TrendSlopeMin:
		next = RegimeTrendingDown
	default:
		pct := marketdata.Percentile(rd.volSamples, vol)
		switch {
		case len(rd.volSamples) < 10:
			next = RegimeNormal // not enough samples to call an extreme
		case pct >= rd.cfg.HighVolPctile:
			next = RegimeHighVol
		case pct <= rd.cfg.LowVolPctile:
			next = RegimeLowVol
		}
	}

	changed := next != rd.current
	if changed {
		observ.Log("regime_change", map[string]any{
			"from": string(rd.current), "to": string(next),
			"realized_vol": vol, "ema_slope_pct": slopePct,
		})
		observ.IncCounter("regime_changes_total", map[string]string{"to": string(next)})
		rd.current = next
	}
	observ.SetGauge("regime_realized_vol", vol, nil)
	return rd.current, changed
}
