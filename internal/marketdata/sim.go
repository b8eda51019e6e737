package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimProvider is a deterministic in-memory provider used by tests and the
// replay binary. Bars can be preloaded or generated from a seeded walk.
type SimProvider struct {
	mu        sync.Mutex
	bars      map[string][]Bar
	snapshots map[string]*Snapshot
	netFlow   map[string]float64
	baseline  map[string]float64
	rng       *rand.Rand

	// FailNext forces the next call per instrument to fail with the given
	// error; used to exercise degrade paths.
	failNext map[string]error
}

func NewSimProvider(seed int64) *SimProvider {
	return &SimProvider{
		bars:      make(map[string][]Bar),
		snapshots: make(map[string]*Snapshot),
		netFlow:   make(map[string]float64),
		baseline:  make(map[string]float64),
		rng:       rand.New(rand.NewSource(seed)),
		failNext:  make(map[string]error),
	}
}

// LoadBars preloads a bar series (ascending) for an instrument and derives a
// current snapshot from the final bar.
func (sp *SimProvider) LoadBars(instrument string, bars []Bar) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.bars[instrument] = bars
	if n := len(bars); n > 0 {
		last := bars[n-1]
		sp.snapshots[instrument] = &Snapshot{
			Instrument:    instrument,
			Timestamp:     last.Timestamp,
			Last:          last.Close,
			Open:          last.Open,
			High:          last.High,
			Low:           last.Low,
			Volume:        last.Volume,
			RelVolume:     1.0,
			BaselineKnown: true,
		}
	}
}

// SetSnapshot overrides the current snapshot for an instrument.
func (sp *SimProvider) SetSnapshot(s *Snapshot) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.snapshots[s.Instrument] = s
}

// SetFlow configures net-flow and volume baseline for an instrument.
func (sp *SimProvider) SetFlow(instrument string, netFlow, baseline float64) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.netFlow[instrument] = netFlow
	sp.baseline[instrument] = baseline
}

// FailNextCall makes the next fetch for instrument return err.
func (sp *SimProvider) FailNextCall(instrument string, err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.failNext[instrument] = err
}

// GenerateWalk seeds lookback bars of a bounded random walk ending near
// startPrice; deterministic for a given provider seed.
func (sp *SimProvider) GenerateWalk(instrument string, startPrice float64, lookback int, start time.Time) {
	sp.mu.Lock()
	rng := sp.rng
	sp.mu.Unlock()

	bars := make([]Bar, 0, lookback)
	price := startPrice
	for i := 0; i < lookback; i++ {
		drift := rng.NormFloat64() * 0.002 * price
		open := price
		close := price + drift
		high := math.Max(open, close) * (1 + rng.Float64()*0.001)
		low := math.Min(open, close) * (1 - rng.Float64()*0.001)
		bars = append(bars, Bar{
			Instrument: instrument,
			Timestamp:  start.Add(time.Duration(i) * time.Minute),
			Open:       open,
			High:       high,
			Low:        low,
			Close:      close,
			Volume:     int64(10000 + rng.Intn(5000)),
		})
		price = close
	}
	sp.LoadBars(instrument, bars)
}

func (sp *SimProvider) takeFailure(instrument string) error {
	if err, ok := sp.failNext[instrument]; ok {
		delete(sp.failNext, instrument)
		return err
	}
	return nil
}

func (sp *SimProvider) FetchBars(ctx context.Context, instrument string, gran Granularity, lookback int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if err := sp.takeFailure(instrument); err != nil {
		return nil, err
	}
	series := sp.bars[instrument]
	if len(series) == 0 {
		return nil, NewBadSymbolError(instrument, "no data loaded")
	}
	if lookback > 0 && lookback < len(series) {
		series = series[len(series)-lookback:]
	}
	out := make([]Bar, len(series))
	copy(out, series)
	return out, nil
}

func (sp *SimProvider) FetchSnapshot(ctx context.Context, instrument string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if err := sp.takeFailure(instrument); err != nil {
		return nil, err
	}
	s, ok := sp.snapshots[instrument]
	if !ok {
		return nil, NewBadSymbolError(instrument, "no snapshot loaded")
	}
	copied := *s
	return &copied, nil
}

func (sp *SimProvider) FetchNetFlow(ctx context.Context, instrument string) (float64, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.netFlow[instrument], nil
}

func (sp *SimProvider) FetchVolumeBaseline(ctx context.Context, instrument string) (float64, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if b, ok := sp.baseline[instrument]; ok && b > 0 {
		return b, nil
	}
	return 0, NewInsufficientHistoryError(instrument, 0, 1)
}

func (sp *SimProvider) HealthCheck(ctx context.Context) error { return nil }
func (sp *SimProvider) Close() error                          { return nil }
