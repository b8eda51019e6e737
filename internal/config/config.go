package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Session struct {
	Timezone       string `yaml:"timezone"`
	OpenTime       string `yaml:"open_time"`        // HH:MM, entries admitted from here
	LastEntryTime  string `yaml:"last_entry_time"`  // HH:MM, no new entries after
	ForcedExitTime string `yaml:"forced_exit_time"` // HH:MM, remaining positions closed at market
}

type Pipeline struct {
	MinConfidence     float64          `yaml:"min_confidence"`
	MinPrice          float64          `yaml:"min_price"`
	MaxPrice          float64          `yaml:"max_price"`
	MaxTradesPerDay   int              `yaml:"max_trades_per_day"`
	MinRelVolumeFloor float64          `yaml:"min_rel_volume_floor"` // below this a strength layer hard-rejects
	SizeMultiplierMin float64          `yaml:"size_multiplier_min"`
	SizeMultiplierMax float64          `yaml:"size_multiplier_max"`
	NeutralConfidence float64          `yaml:"neutral_confidence"`   // used when a layer lacks history
	BlockedRegimes    []string         `yaml:"blocked_regimes"`
	SoftLayerWeights  SoftLayerWeights `yaml:"soft_layer_weights"`
}

type SoftLayerWeights struct {
	TrendConsensus    float64 `yaml:"trend_consensus"`
	InstitutionalFlow float64 `yaml:"institutional_flow"`
	VolatilitySqueeze float64 `yaml:"volatility_squeeze"`
	HistoricalEdge    float64 `yaml:"historical_edge"`
	RelativeVolume    float64 `yaml:"relative_volume"`
}

type Alpha struct {
	BuyThreshold   float64            `yaml:"buy_threshold"`
	SellThreshold  float64            `yaml:"sell_threshold"`
	RegimeLookback int                `yaml:"regime_lookback"` // bars of realized-vol history
	HighVolPctile  float64            `yaml:"high_vol_pctile"` // e.g. 0.8
	LowVolPctile   float64            `yaml:"low_vol_pctile"`  // e.g. 0.2
	TrendSlopeMin  float64            `yaml:"trend_slope_min"` // pct/bar to call a trend
	RegimeWeights  map[string]Weights `yaml:"regime_weights"`  // regime -> per-alpha weights
}

type Weights struct {
	Momentum          float64 `yaml:"momentum"`
	RelativeVolume    float64 `yaml:"relative_volume"`
	InstitutionalFlow float64 `yaml:"institutional_flow"`
	VolatilitySqueeze float64 `yaml:"volatility_squeeze"`
	MeanReversion     float64 `yaml:"mean_reversion"`
	Sentiment         float64 `yaml:"sentiment"`
}

type Risk struct {
	RiskPerTradePct        float64 `yaml:"risk_per_trade_pct"`       // fraction of equity risked per trade
	MaxPositionValue       float64 `yaml:"max_position_value"`       // absolute per-position ceiling
	MaxEquityFractionPct   float64 `yaml:"max_equity_fraction_pct"`  // per-position ceiling as % of equity
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MinCashReserve         float64 `yaml:"min_cash_reserve"`
	DailyLossLimit         float64 `yaml:"daily_loss_limit"`   // realized, currency units
	WeeklyLossLimit        float64 `yaml:"weekly_loss_limit"`
	ReducedSizeFactor      float64 `yaml:"reduced_size_factor"` // sizing factor while weekly breaker recovery active
	RecoveryThreshold      float64 `yaml:"recovery_threshold"`  // weekly loss must recover above -this to restore full size
	PersistPath            string  `yaml:"persist_path"`
}

type TradeState struct {
	StopLossCooldownMin     int    `yaml:"stoploss_cooldown_min"`
	InvalidationCooldownMin int    `yaml:"invalidation_cooldown_min"`
	MaxEntriesPerStrategy   int    `yaml:"max_entries_per_strategy"` // per day
	PersistPath             string `yaml:"persist_path"`
	LedgerPath              string `yaml:"ledger_path"`
}

type Execution struct {
	MaxRetries       int    `yaml:"max_retries"`
	BackoffBaseMs    int    `yaml:"backoff_base_ms"`
	BackoffMaxMs     int    `yaml:"backoff_max_ms"`
	OrderTimeoutMs   int    `yaml:"order_timeout_ms"`
	LockPath         string `yaml:"lock_path"`
	LockTTLSeconds   int    `yaml:"lock_ttl_seconds"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
}

// MarketData selects and tunes the data source. Mode "sim" runs a seeded
// walk, "alphavantage" the vendor REST API, "stream" an SSE bar feed.
type MarketData struct {
	Mode               string `yaml:"mode"`
	StreamURL          string `yaml:"stream_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	DailyCap           int    `yaml:"daily_cap"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_seconds"`
	StaleCeilingSec    int    `yaml:"stale_ceiling_sec"`
}

type Alerts struct {
	Enabled         bool   `yaml:"enabled"`
	WebhookURL      string `yaml:"webhook_url"`
	Channel         string `yaml:"channel"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	QueueSize       int    `yaml:"queue_size"`
	DedupeWindowSec int    `yaml:"dedupe_window_sec"`
}

type Engine struct {
	TickIntervalSec    int `yaml:"tick_interval_sec"`
	UrgentIntervalSec  int `yaml:"urgent_interval_sec"`
	MaxConcurrentScans int `yaml:"max_concurrent_scans"`
	ProviderRatePerMin int `yaml:"provider_rate_per_min"`
}

// Strategy maps a strategy tag to its lifecycle behavior. Loaded once at
// startup; new strategies are config additions, not code changes.
type Strategy struct {
	PartialTiers       []Tier  `yaml:"partial_tiers"`
	TrailDistancePct   float64 `yaml:"trail_distance_pct"`
	HardStopPct        float64 `yaml:"hard_stop_pct"`
	EarlyFailWindowMin int     `yaml:"early_fail_window_min"`
	EarlyFailPct       float64 `yaml:"early_fail_pct"`
	CooldownMin        int     `yaml:"cooldown_min"` // overrides trade-state default when > 0
}

type Tier struct {
	GainPct  float64 `yaml:"gain_pct"`  // fires at entry*(1+GainPct/100)
	Fraction float64 `yaml:"fraction"`  // of original quantity
}

type Root struct {
	AccountID   string              `yaml:"account_id"`
	DataDir     string              `yaml:"data_dir"`
	Watchlist   []string            `yaml:"watchlist"`
	CapitalBase float64             `yaml:"capital_base"`
	Session     Session             `yaml:"session"`
	Pipeline    Pipeline            `yaml:"pipeline"`
	Alpha       Alpha               `yaml:"alpha"`
	Risk        Risk                `yaml:"risk"`
	TradeState  TradeState          `yaml:"trade_state"`
	Execution   Execution           `yaml:"execution"`
	Engine      Engine              `yaml:"engine"`
	MarketData  MarketData          `yaml:"market_data"`
	Alerts      Alerts              `yaml:"alerts"`
	Strategies  map[string]Strategy `yaml:"strategies"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validate(c); err != nil {
		return c, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.CapitalBase == 0 {
		c.CapitalBase = 100000
	}

	if c.Session.Timezone == "" {
		c.Session.Timezone = "America/New_York"
	}
	if c.Session.OpenTime == "" {
		c.Session.OpenTime = "09:30"
	}
	if c.Session.LastEntryTime == "" {
		c.Session.LastEntryTime = "15:00"
	}
	if c.Session.ForcedExitTime == "" {
		c.Session.ForcedExitTime = "15:50"
	}

	if c.Pipeline.MinConfidence == 0 {
		c.Pipeline.MinConfidence = 0.55
	}
	if c.Pipeline.MinPrice == 0 {
		c.Pipeline.MinPrice = 2
	}
	if c.Pipeline.MaxPrice == 0 {
		c.Pipeline.MaxPrice = 10000
	}
	if c.Pipeline.MaxTradesPerDay == 0 {
		c.Pipeline.MaxTradesPerDay = 10
	}
	if c.Pipeline.MinRelVolumeFloor == 0 {
		c.Pipeline.MinRelVolumeFloor = 0.05
	}
	if c.Pipeline.SizeMultiplierMin == 0 {
		c.Pipeline.SizeMultiplierMin = 0.6
	}
	if c.Pipeline.SizeMultiplierMax == 0 {
		c.Pipeline.SizeMultiplierMax = 1.0
	}
	if c.Pipeline.NeutralConfidence == 0 {
		c.Pipeline.NeutralConfidence = 0.5
	}
	w := &c.Pipeline.SoftLayerWeights
	if w.TrendConsensus == 0 {
		w.TrendConsensus = 1.5
	}
	if w.InstitutionalFlow == 0 {
		w.InstitutionalFlow = 1.0
	}
	if w.VolatilitySqueeze == 0 {
		w.VolatilitySqueeze = 1.2
	}
	if w.HistoricalEdge == 0 {
		w.HistoricalEdge = 0.8
	}
	if w.RelativeVolume == 0 {
		w.RelativeVolume = 1.0
	}

	if c.Alpha.BuyThreshold == 0 {
		c.Alpha.BuyThreshold = 1.0
	}
	if c.Alpha.SellThreshold == 0 {
		c.Alpha.SellThreshold = -1.0
	}
	if c.Alpha.RegimeLookback == 0 {
		c.Alpha.RegimeLookback = 60
	}
	if c.Alpha.HighVolPctile == 0 {
		c.Alpha.HighVolPctile = 0.8
	}
	if c.Alpha.LowVolPctile == 0 {
		c.Alpha.LowVolPctile = 0.2
	}
	if c.Alpha.TrendSlopeMin == 0 {
		c.Alpha.TrendSlopeMin = 0.03
	}
	if c.Alpha.RegimeWeights == nil {
		c.Alpha.RegimeWeights = DefaultRegimeWeights()
	}

	if c.Risk.RiskPerTradePct == 0 {
		c.Risk.RiskPerTradePct = 0.5
	}
	if c.Risk.MaxPositionValue == 0 {
		c.Risk.MaxPositionValue = 20000
	}
	if c.Risk.MaxEquityFractionPct == 0 {
		c.Risk.MaxEquityFractionPct = 20
	}
	if c.Risk.MaxConcurrentPositions == 0 {
		c.Risk.MaxConcurrentPositions = 4
	}
	if c.Risk.MinCashReserve == 0 {
		c.Risk.MinCashReserve = 5000
	}
	if c.Risk.DailyLossLimit == 0 {
		c.Risk.DailyLossLimit = 1500
	}
	if c.Risk.WeeklyLossLimit == 0 {
		c.Risk.WeeklyLossLimit = 4000
	}
	if c.Risk.ReducedSizeFactor == 0 {
		c.Risk.ReducedSizeFactor = 0.5
	}
	if c.Risk.RecoveryThreshold == 0 {
		c.Risk.RecoveryThreshold = 2000
	}
	if c.Risk.PersistPath == "" {
		c.Risk.PersistPath = c.DataDir + "/pnl_windows.json"
	}

	if c.TradeState.StopLossCooldownMin == 0 {
		c.TradeState.StopLossCooldownMin = 60
	}
	if c.TradeState.InvalidationCooldownMin == 0 {
		c.TradeState.InvalidationCooldownMin = 120
	}
	if c.TradeState.MaxEntriesPerStrategy == 0 {
		c.TradeState.MaxEntriesPerStrategy = 3
	}
	if c.TradeState.PersistPath == "" {
		c.TradeState.PersistPath = c.DataDir + "/trade_state.json"
	}
	if c.TradeState.LedgerPath == "" {
		c.TradeState.LedgerPath = c.DataDir + "/trade_ledger.jsonl"
	}

	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = 3
	}
	if c.Execution.BackoffBaseMs == 0 {
		c.Execution.BackoffBaseMs = 200
	}
	if c.Execution.BackoffMaxMs == 0 {
		c.Execution.BackoffMaxMs = 5000
	}
	if c.Execution.OrderTimeoutMs == 0 {
		c.Execution.OrderTimeoutMs = 8000
	}
	if c.Execution.LockPath == "" {
		c.Execution.LockPath = c.DataDir + "/executor.lock"
	}
	if c.Execution.LockTTLSeconds == 0 {
		c.Execution.LockTTLSeconds = 30
	}
	if c.Execution.HeartbeatSeconds == 0 {
		c.Execution.HeartbeatSeconds = 10
	}

	if c.Engine.TickIntervalSec == 0 {
		c.Engine.TickIntervalSec = 60
	}
	if c.Engine.UrgentIntervalSec == 0 {
		c.Engine.UrgentIntervalSec = 10
	}
	if c.Engine.MaxConcurrentScans == 0 {
		c.Engine.MaxConcurrentScans = 8
	}
	if c.Engine.ProviderRatePerMin == 0 {
		c.Engine.ProviderRatePerMin = 120
	}

	if c.MarketData.Mode == "" {
		c.MarketData.Mode = "sim"
	}
	if c.MarketData.StreamURL == "" {
		c.MarketData.StreamURL = "http://127.0.0.1:8099"
	}

	if len(c.Strategies) == 0 {
		c.Strategies = map[string]Strategy{"default": {}}
	}
	for tag, s := range c.Strategies {
		if len(s.PartialTiers) == 0 {
			s.PartialTiers = []Tier{{GainPct: 1.0, Fraction: 0.3}, {GainPct: 2.0, Fraction: 0.3}}
		}
		if s.TrailDistancePct == 0 {
			s.TrailDistancePct = 1.0
		}
		if s.HardStopPct == 0 {
			s.HardStopPct = 2.0
		}
		if s.EarlyFailWindowMin == 0 {
			s.EarlyFailWindowMin = 10
		}
		if s.EarlyFailPct == 0 {
			s.EarlyFailPct = 0.8
		}
		c.Strategies[tag] = s
	}
}

func validate(c Root) error {
	if c.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if c.Pipeline.SizeMultiplierMin > c.Pipeline.SizeMultiplierMax {
		return fmt.Errorf("size_multiplier_min %.2f > size_multiplier_max %.2f",
			c.Pipeline.SizeMultiplierMin, c.Pipeline.SizeMultiplierMax)
	}
	if c.Alpha.SellThreshold >= c.Alpha.BuyThreshold {
		return fmt.Errorf("sell_threshold must be below buy_threshold")
	}
	switch c.MarketData.Mode {
	case "sim", "alphavantage", "stream":
	default:
		return fmt.Errorf("unknown market_data mode %q", c.MarketData.Mode)
	}
	if c.Alerts.Enabled && c.Alerts.WebhookURL == "" {
		return fmt.Errorf("alerts enabled without webhook_url")
	}
	for tag, s := range c.Strategies {
		total := 0.0
		prev := 0.0
		for i, t := range s.PartialTiers {
			if t.GainPct <= prev {
				return fmt.Errorf("strategy %s: tier %d gain_pct must increase", tag, i)
			}
			prev = t.GainPct
			total += t.Fraction
		}
		if total >= 1.0 {
			return fmt.Errorf("strategy %s: partial tier fractions must sum below 1.0", tag)
		}
	}
	return nil
}

// DefaultRegimeWeights is the illustrative regime weight table; real
// deployments override it in config.
func DefaultRegimeWeights() map[string]Weights {
	return map[string]Weights{
		"NORMAL": {
			Momentum: 1.0, RelativeVolume: 1.0, InstitutionalFlow: 1.0,
			VolatilitySqueeze: 1.0, MeanReversion: 1.0, Sentiment: 0.5,
		},
		"HIGH_VOL": {
			Momentum: 0.6, RelativeVolume: 0.8, InstitutionalFlow: 1.0,
			VolatilitySqueeze: 0.4, MeanReversion: 1.4, Sentiment: 0.3,
		},
		"LOW_VOL": {
			Momentum: 0.8, RelativeVolume: 1.0, InstitutionalFlow: 1.0,
			VolatilitySqueeze: 1.5, MeanReversion: 0.7, Sentiment: 0.5,
		},
		"TRENDING_UP": {
			Momentum: 1.6, RelativeVolume: 1.2, InstitutionalFlow: 1.2,
			VolatilitySqueeze: 0.8, MeanReversion: 0.4, Sentiment: 0.7,
		},
		"TRENDING_DOWN": {
			Momentum: 1.2, RelativeVolume: 0.9, InstitutionalFlow: 1.1,
			VolatilitySqueeze: 0.6, MeanReversion: 0.8, Sentiment: 0.4,
		},
	}
}
