package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alphapipe/trading-engine/internal/admission"
	"github.com/alphapipe/trading-engine/internal/alerts"
	"github.com/alphapipe/trading-engine/internal/alpha"
	"github.com/alphapipe/trading-engine/internal/config"
	"github.com/alphapipe/trading-engine/internal/execution"
	"github.com/alphapipe/trading-engine/internal/marketdata"
	"github.com/alphapipe/trading-engine/internal/position"
	"github.com/alphapipe/trading-engine/internal/risk"
	"github.com/alphapipe/trading-engine/internal/tradestate"
)

// Engine is the evaluation loop: one pass over the watchlist per main tick,
// a faster urgent pass over open positions only. All per-instrument work is
// serialized by a keyed lock; cross-instrument work fans out under a bounded
// semaphore and a shared provider rate limit.
type Engine struct {
	cfg      config.Root
	provider marketdata.Provider
	flow     marketdata.FlowProvider
	clock    *marketdata.SessionClock

	detector  *alpha.RegimeDetector
	adjuster  *alpha.WeightAdjuster
	alphaEng  *alpha.Engine
	pipelines map[string]*admission.Pipeline
	tags      []string // sorted strategy tags, evaluation order

	risk     *risk.Manager
	trades   *tradestate.Manager
	store    *position.Store
	life     *position.Lifecycle
	executor *execution.Executor
	lock     *execution.ProcessLock

	limiter  *rate.Limiter
	sem      chan struct{}
	notifier Notifier

	instMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New wires the full decision core from config. The broker and providers are
// injected so the same wiring serves live, paper and replay runs.
func New(cfg config.Root, provider marketdata.Provider, flow marketdata.FlowProvider, broker execution.Broker, sentiment alpha.SentimentSource) (*Engine, error) {
	if len(cfg.Watchlist) == 0 {
		return nil, fmt.Errorf("empty watchlist")
	}

	clock, err := marketdata.NewSessionClock(
		cfg.Session.Timezone, cfg.Session.OpenTime, cfg.Session.LastEntryTime, cfg.Session.ForcedExitTime)
	if err != nil {
		return nil, fmt.Errorf("session clock: %w", err)
	}

	detector := alpha.NewRegimeDetector(alpha.RegimeDetectorConfig{
		Lookback:      cfg.Alpha.RegimeLookback,
		HighVolPctile: cfg.Alpha.HighVolPctile,
		LowVolPctile:  cfg.Alpha.LowVolPctile,
		TrendSlopeMin: cfg.Alpha.TrendSlopeMin,
	})
	adjuster := alpha.NewWeightAdjuster(regimeTable(cfg.Alpha.RegimeWeights))
	alphaEng := alpha.NewEngine([]alpha.Alpha{
		alpha.NewMomentumAlpha(),
		alpha.NewRelativeVolumeAlpha(),
		alpha.NewInstitutionalFlowAlpha(),
		alpha.NewVolatilitySqueezeAlpha(),
		alpha.NewMeanReversionAlpha(),
		alpha.NewSentimentAlpha(sentiment),
	}, adjuster, cfg.Alpha.BuyThreshold, cfg.Alpha.SellThreshold)

	windows := risk.NewWindowTracker(cfg.Risk.PersistPath)
	riskMgr := risk.NewManager(risk.Config{
		RiskPerTradePct:        cfg.Risk.RiskPerTradePct,
		MaxPositionValue:       cfg.Risk.MaxPositionValue,
		MaxEquityFractionPct:   cfg.Risk.MaxEquityFractionPct,
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		MinCashReserve:         cfg.Risk.MinCashReserve,
		DailyLossLimit:         cfg.Risk.DailyLossLimit,
		WeeklyLossLimit:        cfg.Risk.WeeklyLossLimit,
		ReducedSizeFactor:      cfg.Risk.ReducedSizeFactor,
		RecoveryThreshold:      cfg.Risk.RecoveryThreshold,
	}, windows)

	ledger, err := tradestate.NewLedger(cfg.TradeState.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	trades := tradestate.NewManager(tradestate.Config{
		StopLossCooldownMin:     cfg.TradeState.StopLossCooldownMin,
		InvalidationCooldownMin: cfg.TradeState.InvalidationCooldownMin,
		MaxEntriesPerStrategy:   cfg.TradeState.MaxEntriesPerStrategy,
		PersistPath:             cfg.TradeState.PersistPath,
	}, ledger)

	executor := execution.NewExecutor(execution.Config{
		MaxRetries:   cfg.Execution.MaxRetries,
		BackoffBase:  time.Duration(cfg.Execution.BackoffBaseMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Execution.BackoffMaxMs) * time.Millisecond,
		OrderTimeout: time.Duration(cfg.Execution.OrderTimeoutMs) * time.Millisecond,
	}, broker, ledger)

	store := position.NewStore(cfg.DataDir + "/positions.json")
	strategies := strategyTable(cfg.Strategies)
	life := position.NewLifecycle(store, strategies, executor, trades, riskMgr)

	procLock := execution.NewProcessLock(
		cfg.Execution.LockPath, cfg.AccountID,
		time.Duration(cfg.Execution.LockTTLSeconds)*time.Second,
		time.Duration(cfg.Execution.HeartbeatSeconds)*time.Second)

	tags := make([]string, 0, len(cfg.Strategies))
	for tag := range cfg.Strategies {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	e := &Engine{
		cfg:       cfg,
		provider:  provider,
		flow:      flow,
		clock:     clock,
		detector:  detector,
		adjuster:  adjuster,
		alphaEng:  alphaEng,
		pipelines: make(map[string]*admission.Pipeline, len(tags)),
		tags:      tags,
		risk:      riskMgr,
		trades:    trades,
		store:     store,
		life:      life,
		executor:  executor,
		lock:      procLock,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Engine.ProviderRatePerMin)), cfg.Engine.ProviderRatePerMin),
		sem:       make(chan struct{}, cfg.Engine.MaxConcurrentScans),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, tag := range tags {
		e.pipelines[tag] = e.buildPipeline(tag)
	}
	return e, nil
}

// Notifier receives operator-facing events (entries, exits, breaker trips).
// Implementations must not block; the engine fires and forgets.
type Notifier interface {
	Send(ev alerts.Event)
}

// SetNotifier attaches an optional notifier. Nil (the default) disables
// notifications.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

func (e *Engine) notify(ev alerts.Event) {
	if e.notifier != nil {
		e.notifier.Send(ev)
	}
}

// Load restores persisted state (positions, trade state, P&L windows).
func (e *Engine) Load(now time.Time) error {
	if err := e.store.Load(); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	if err := e.trades.Load(now); err != nil {
		return fmt.Errorf("trade state: %w", err)
	}
	if err := e.risk.LoadWindows(now); err != nil {
		return fmt.Errorf("pnl windows: %w", err)
	}
	return nil
}

func (e *Engine) buildPipeline(tag string) *admission.Pipeline {
	p := e.cfg.Pipeline
	layers := []admission.Layer{
		&admission.SessionWindowLayer{Clock: e.clock},
		&admission.TradeBudgetLayer{MaxTradesPerDay: p.MaxTradesPerDay},
		&admission.PriceBoundsLayer{MinPrice: p.MinPrice, MaxPrice: p.MaxPrice},
		&admission.LossBreakerLayer{},
		admission.NewRegimeAdmissibilityLayer(p.BlockedRegimes),
		&admission.TrendConsensusLayer{Neutral: p.NeutralConfidence},
		&admission.InstitutionalFlowShiftLayer{Neutral: p.NeutralConfidence},
		&admission.VolatilitySqueezeLayer{Neutral: p.NeutralConfidence},
		&admission.HistoricalEdgeLayer{Source: e.trades, StrategyTag: tag, Neutral: p.NeutralConfidence},
		&admission.RelativeVolumeStrengthLayer{MinRelVolumeFloor: p.MinRelVolumeFloor, Neutral: p.NeutralConfidence},
	}
	weights := map[string]float64{
		"trend_consensus":    p.SoftLayerWeights.TrendConsensus,
		"institutional_flow": p.SoftLayerWeights.InstitutionalFlow,
		"volatility_squeeze": p.SoftLayerWeights.VolatilitySqueeze,
		"historical_edge":    p.SoftLayerWeights.HistoricalEdge,
		"relative_volume":    p.SoftLayerWeights.RelativeVolume,
	}
	agg := &admission.ConfidenceAggregator{
		MinConfidence:     p.MinConfidence,
		SizeMultiplierMin: p.SizeMultiplierMin,
		SizeMultiplierMax: p.SizeMultiplierMax,
	}
	return admission.NewPipeline(layers, weights, agg)
}

// lockInstrument serializes all work on one instrument.
func (e *Engine) lockInstrument(instrument string) func() {
	e.instMu.Lock()
	mu, ok := e.locks[instrument]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[instrument] = mu
	}
	e.instMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func regimeTable(in map[string]config.Weights) map[alpha.Regime]alpha.WeightVector {
	out := make(map[alpha.Regime]alpha.WeightVector, len(in))
	for regime, w := range in {
		out[alpha.Regime(regime)] = alpha.WeightVector{
			alpha.NameMomentum:          w.Momentum,
			alpha.NameRelativeVolume:    w.RelativeVolume,
			alpha.NameInstitutionalFlow: w.InstitutionalFlow,
			alpha.NameVolatilitySqueeze: w.VolatilitySqueeze,
			alpha.NameMeanReversion:     w.MeanReversion,
			alpha.NameSentiment:         w.Sentiment,
		}
	}
	return out
}

func strategyTable(in map[string]config.Strategy) map[string]position.StrategyParams {
	out := make(map[string]position.StrategyParams, len(in))
	for tag, s := range in {
		tiers := make([]position.Tier, len(s.PartialTiers))
		for i, t := range s.PartialTiers {
			tiers[i] = position.Tier{GainPct: t.GainPct, Fraction: t.Fraction}
		}
		out[tag] = position.StrategyParams{
			PartialTiers:       tiers,
			TrailDistancePct:   s.TrailDistancePct,
			HardStopPct:        s.HardStopPct,
			EarlyFailWindowMin: s.EarlyFailWindowMin,
			EarlyFailPct:       s.EarlyFailPct,
			CooldownMin:        s.CooldownMin,
		}
	}
	return out
}
