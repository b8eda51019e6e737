package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphapipe/trading-engine/internal/admission"
	"github.com/alphapipe/trading-engine/internal/alerts"
	"github.com/alphapipe/trading-engine/internal/alpha"
	"github.com/alphapipe/trading-engine/internal/marketdata"
	"github.com/alphapipe/trading-engine/internal/observ"
	"github.com/alphapipe/trading-engine/internal/position"
)

const (
	lookback1m = 120
	lookback5m = 60
)

// Run acquires the account process lock, then alternates a full watchlist
// scan on the main interval with a cheaper exit-only pass over open positions
// on the urgent interval. Returns when ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.lock.Start(ctx); err != nil {
		return fmt.Errorf("process lock: %w", err)
	}
	defer e.lock.Release()

	observ.Log("engine_started", map[string]any{
		"account_id": e.cfg.AccountID,
		"watchlist":  len(e.cfg.Watchlist),
		"holder":     e.lock.Holder(),
	})

	mainTicker := time.NewTicker(time.Duration(e.cfg.Engine.TickIntervalSec) * time.Second)
	defer mainTicker.Stop()
	urgentTicker := time.NewTicker(time.Duration(e.cfg.Engine.UrgentIntervalSec) * time.Second)
	defer urgentTicker.Stop()

	e.ScanAll(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			observ.Log("engine_stopped", map[string]any{"account_id": e.cfg.AccountID})
			return nil
		case t := <-mainTicker.C:
			e.ScanAll(ctx, t)
		case t := <-urgentTicker.C:
			e.UrgentPass(ctx, t)
		}
	}
}

// ScanAll runs one full evaluation pass: regime refresh from the reference
// instrument first, then a bounded fan-out over the watchlist.
func (e *Engine) ScanAll(ctx context.Context, now time.Time) {
	start := time.Now()
	e.updateRegime(ctx)

	var wg sync.WaitGroup
	for _, instrument := range e.cfg.Watchlist {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(instrument string) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.ScanOne(ctx, instrument, now)
		}(instrument)
	}
	wg.Wait()
	observ.Observe("scan_duration_ms", float64(time.Since(start).Milliseconds()), nil)
}

// UrgentPass re-checks exit conditions for open positions only. It skips the
// alpha stack entirely: stops and the forced time exit must not wait on a
// full scan.
func (e *Engine) UrgentPass(ctx context.Context, now time.Time) {
	for _, instrument := range e.store.Instruments() {
		unlock := e.lockInstrument(instrument)
		snap, err := e.fetchSnapshot(ctx, instrument)
		if err != nil {
			unlock()
			continue
		}
		pos, _ := e.store.Get(instrument)
		if err := e.life.Tick(ctx, instrument, snap.Last, now, false, e.clock.PastForcedExit(now)); err != nil {
			observ.Log("urgent_tick_error", map[string]any{"instrument": instrument, "err": err.Error()})
		}
		if _, stillHeld := e.store.Get(instrument); !stillHeld {
			e.notifyClosed(pos, snap.Last, now)
		}
		unlock()
	}
}

// updateRegime reclassifies from the first watchlist instrument and swaps the
// alpha weight vector on change.
func (e *Engine) updateRegime(ctx context.Context) {
	reference := e.cfg.Watchlist[0]
	if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	bars, err := e.provider.FetchBars(ctx, reference, marketdata.Gran1m, lookback1m)
	if err != nil {
		observ.Log("regime_fetch_failed", map[string]any{"instrument": reference, "err": err.Error()})
		return
	}
	regime, changed := e.detector.Update(bars)
	if changed {
		e.adjuster.Apply(regime)
	}
}

// ScanOne evaluates a single instrument end to end: fetch, score, then either
// manage the open position or consider a fresh entry.
func (e *Engine) ScanOne(ctx context.Context, instrument string, now time.Time) {
	unlock := e.lockInstrument(instrument)
	defer unlock()

	if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	bars1m, err := e.provider.FetchBars(ctx, instrument, marketdata.Gran1m, lookback1m)
	if err != nil {
		observ.IncCounter("fetch_failures_total", map[string]string{"kind": "bars"})
		observ.Log("fetch_failed", map[string]any{"instrument": instrument, "err": err.Error()})
		return
	}
	// The 5m series is a nice-to-have for multi-timeframe checks; its absence
	// degrades the trend layer to single-timeframe, never blocks the scan.
	bars5m, err := e.provider.FetchBars(ctx, instrument, marketdata.Gran5m, lookback5m)
	if err != nil {
		bars5m = nil
	}
	snap, err := e.fetchSnapshot(ctx, instrument)
	if err != nil {
		return
	}

	agg, err := e.alphaEng.Compute(ctx, alpha.Input{Instrument: instrument, Bars: bars1m, Snapshot: snap})
	if err != nil {
		observ.Log("alpha_compute_failed", map[string]any{"instrument": instrument, "err": err.Error()})
		return
	}

	if pos, held := e.store.Get(instrument); held {
		breakdown := e.alphaEng.SignalsSell(agg)
		if err := e.life.Tick(ctx, instrument, snap.Last, now, breakdown, e.clock.PastForcedExit(now)); err != nil {
			observ.Log("lifecycle_tick_error", map[string]any{"instrument": instrument, "err": err.Error()})
			return
		}
		if _, stillHeld := e.store.Get(instrument); !stillHeld {
			e.notifyClosed(pos, snap.Last, now)
			if breakdown {
				// Closed on the reversal: the setup is invalidated, not merely
				// stopped, so the longer re-entry window applies.
				if err := e.trades.MarkInvalidated(instrument, pos.StrategyTag, "trend breakdown exit", now); err != nil {
					observ.Log("invalidation_record_error", map[string]any{"instrument": instrument, "err": err.Error()})
				}
			}
		}
		return
	}

	if e.clock.PastForcedExit(now) || !e.alphaEng.SignalsBuy(agg) {
		return
	}
	e.tryEnter(ctx, instrument, snap, bars1m, bars5m, now)
}

// tryEnter runs the admission pipeline per strategy (sorted tag order) and
// executes the first admissible entry. At most one entry per instrument per
// scan.
func (e *Engine) tryEnter(ctx context.Context, instrument string, snap *marketdata.Snapshot, bars1m, bars5m []marketdata.Bar, now time.Time) {
	if e.lock.Lost() {
		// Another process took over the account lease; it is the one
		// entering now. Open positions still wind down through the exits.
		observ.Log("entry_refused", map[string]any{
			"instrument": instrument, "reason": "account lease lost",
		})
		return
	}
	for _, tag := range e.tags {
		allowed, refusal := e.trades.CanEnter(instrument, tag, now)
		if !allowed {
			observ.Log("entry_refused", map[string]any{
				"instrument": instrument, "strategy_tag": tag, "reason": refusal,
			})
			continue
		}

		blocked, breakerReason := e.risk.EntriesBlocked(now)
		if blocked {
			e.notify(alerts.Event{Kind: "breaker", Detail: breakerReason, Timestamp: now})
		}
		ec := &admission.EvalContext{
			Instrument: instrument,
			Now:        now,
			Snapshot:   snap,
			Bars:       bars1m,
			Bars5m:     bars5m,
			Regime:     e.adjuster.Regime(),
			Account: admission.AccountState{
				TradesToday:    e.trades.EntriesToday(now),
				EntriesBlocked: blocked,
				BreakerReason:  breakerReason,
			},
		}
		sig := e.pipelines[tag].Evaluate(ctx, ec)
		if !sig.ShouldPass {
			continue
		}

		strat := e.cfg.Strategies[tag]
		stopPrice := snap.Last * (1 - strat.HardStopPct/100)
		size := e.risk.Size(e.cfg.CapitalBase, snap.Last, stopPrice, sig.SizeMultiplier, now)
		if size.Quantity <= 0 {
			observ.Log("entry_sized_to_zero", map[string]any{"instrument": instrument, "strategy_tag": tag})
			continue
		}
		allowed, refusal = e.risk.CanOpen(e.cfg.CapitalBase, e.store.OpenValue(nil), e.store.Count(), size.Investment, now)
		if !allowed {
			observ.Log("entry_blocked", map[string]any{
				"instrument": instrument, "strategy_tag": tag, "reason": refusal,
			})
			return
		}

		intentKey := fmt.Sprintf("entry_%s_%s_%s", instrument, tag, now.UTC().Format("20060102T1504"))
		rec, err := e.executor.Buy(ctx, instrument, size.Quantity, snap.Last, false, intentKey)
		if err != nil {
			observ.Log("entry_order_failed", map[string]any{
				"instrument": instrument, "strategy_tag": tag, "err": err.Error(),
			})
			return
		}
		rec.StrategyTag = tag
		if err := e.trades.MarkTraded(*rec); err != nil {
			observ.Log("entry_record_error", map[string]any{"instrument": instrument, "err": err.Error()})
		}
		if err := e.life.Enter(instrument, rec.Price, rec.Quantity, now, tag); err != nil {
			observ.Log("entry_open_error", map[string]any{"instrument": instrument, "err": err.Error()})
			return
		}
		observ.IncCounter("entries_total", map[string]string{"strategy_tag": tag})
		e.notify(alerts.Event{
			Kind:       "entry",
			Instrument: instrument,
			Detail:     fmt.Sprintf("entered %s (%s)", instrument, tag),
			Quantity:   rec.Quantity,
			Price:      rec.Price,
			Timestamp:  now,
		})
		return
	}
}

func (e *Engine) notifyClosed(pos position.Position, price float64, now time.Time) {
	e.notify(alerts.Event{
		Kind:       "exit",
		Instrument: pos.Instrument,
		Detail:     fmt.Sprintf("closed %s (%s)", pos.Instrument, pos.StrategyTag),
		Quantity:   pos.Quantity,
		Price:      price,
		Timestamp:  now,
	})
}

func (e *Engine) fetchSnapshot(ctx context.Context, instrument string) (*marketdata.Snapshot, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	snap, err := e.provider.FetchSnapshot(ctx, instrument)
	if err != nil {
		observ.IncCounter("fetch_failures_total", map[string]string{"kind": "snapshot"})
		observ.Log("fetch_failed", map[string]any{"instrument": instrument, "err": err.Error()})
		return nil, err
	}
	if e.flow != nil {
		if netFlow, err := e.flow.FetchNetFlow(ctx, instrument); err == nil {
			snap.InstNetFlow = netFlow
		}
		if baseline, err := e.flow.FetchVolumeBaseline(ctx, instrument); err == nil && baseline > 0 {
			snap.RelVolume = float64(snap.Volume) / baseline
			snap.BaselineKnown = true
		}
	}
	if err := snap.Validate(); err != nil {
		observ.IncCounter("snapshot_invalid_total", nil)
		observ.Log("snapshot_invalid", map[string]any{"instrument": instrument, "err": err.Error()})
		return nil, err
	}
	return snap, nil
}
