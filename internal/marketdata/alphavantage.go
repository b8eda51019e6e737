package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AlphaVantageConfig tunes the vendor client. Zero values pick free-tier safe
// defaults.
type AlphaVantageConfig struct {
	APIKey             string
	BaseURL            string
	RateLimitPerMinute int
	DailyCap           int
	CacheTTLSeconds    int
	StaleCeilingSec    int
	TimeoutSeconds     int
}

// AlphaVantageProvider implements Provider against the Alpha Vantage REST API.
// Responses are cached per instrument; within the TTL a cached snapshot is
// served without spending a request, and on vendor failure a cached snapshot
// under the stale ceiling is preferred over an error.
type AlphaVantageProvider struct {
	cfg        AlphaVantageConfig
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu            sync.Mutex
	snapCache     map[string]*cachedSnapshot
	barCache      map[string]*cachedBars
	requestsToday int
	budgetReset   time.Time
}

type cachedSnapshot struct {
	snap      Snapshot
	fetchedAt time.Time
}

type cachedBars struct {
	bars      []Bar
	fetchedAt time.Time
}

func NewAlphaVantageProvider(cfg AlphaVantageConfig) (*AlphaVantageProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("alphavantage: api key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.alphavantage.co/query"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 5
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 300
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 60
	}
	if cfg.StaleCeilingSec <= 0 {
		cfg.StaleCeilingSec = 180
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	return &AlphaVantageProvider{
		cfg:         cfg,
		baseURL:     cfg.BaseURL,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
		snapCache:   make(map[string]*cachedSnapshot),
		barCache:    make(map[string]*cachedBars),
		budgetReset: time.Now().Add(24 * time.Hour),
	}, nil
}

func (av *AlphaVantageProvider) FetchSnapshot(ctx context.Context, instrument string) (*Snapshot, error) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if instrument == "" {
		return nil, NewBadSymbolError(instrument, "empty instrument")
	}

	ttl := time.Duration(av.cfg.CacheTTLSeconds) * time.Second
	av.mu.Lock()
	cached := av.snapCache[instrument]
	av.mu.Unlock()
	if cached != nil && time.Since(cached.fetchedAt) <= ttl {
		snap := cached.snap
		snap.StalenessMs = time.Since(cached.fetchedAt).Milliseconds()
		return &snap, nil
	}

	snap, err := av.fetchGlobalQuote(ctx, instrument)
	if err != nil {
		// A snapshot under the stale ceiling beats a hard failure.
		if cached != nil {
			age := time.Since(cached.fetchedAt)
			if age <= time.Duration(av.cfg.StaleCeilingSec)*time.Second {
				stale := cached.snap
				stale.StalenessMs = age.Milliseconds()
				return &stale, nil
			}
			return nil, NewStaleError(instrument, age)
		}
		return nil, err
	}

	av.mu.Lock()
	av.snapCache[instrument] = &cachedSnapshot{snap: *snap, fetchedAt: time.Now()}
	av.mu.Unlock()
	return snap, nil
}

func (av *AlphaVantageProvider) FetchBars(ctx context.Context, instrument string, gran Granularity, lookback int) ([]Bar, error) {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if instrument == "" {
		return nil, NewBadSymbolError(instrument, "empty instrument")
	}
	interval, ok := map[Granularity]string{
		Gran1m: "1min", Gran5m: "5min", Gran15m: "15min",
	}[gran]
	if !ok {
		return nil, NewBadSymbolError(instrument, fmt.Sprintf("unsupported granularity %s", gran))
	}

	key := instrument + ":" + interval
	ttl := time.Duration(av.cfg.CacheTTLSeconds) * time.Second
	av.mu.Lock()
	cached := av.barCache[key]
	av.mu.Unlock()
	if cached != nil && time.Since(cached.fetchedAt) <= ttl {
		return tail(cached.bars, lookback), nil
	}

	bars, err := av.fetchIntraday(ctx, instrument, interval)
	if err != nil {
		if cached != nil && time.Since(cached.fetchedAt) <= time.Duration(av.cfg.StaleCeilingSec)*time.Second {
			return tail(cached.bars, lookback), nil
		}
		return nil, err
	}

	av.mu.Lock()
	av.barCache[key] = &cachedBars{bars: bars, fetchedAt: time.Now()}
	av.mu.Unlock()
	return tail(bars, lookback), nil
}

func (av *AlphaVantageProvider) HealthCheck(ctx context.Context) error {
	av.mu.Lock()
	defer av.mu.Unlock()
	if av.requestsToday >= av.cfg.DailyCap {
		return fmt.Errorf("alphavantage: daily request budget exhausted (%d)", av.cfg.DailyCap)
	}
	return nil
}

func (av *AlphaVantageProvider) Close() error { return nil }

func (av *AlphaVantageProvider) spendRequest(ctx context.Context, instrument string) error {
	av.mu.Lock()
	if time.Now().After(av.budgetReset) {
		av.requestsToday = 0
		av.budgetReset = time.Now().Add(24 * time.Hour)
	}
	if av.requestsToday >= av.cfg.DailyCap {
		av.mu.Unlock()
		return NewRateLimitError(instrument, "daily request budget exhausted")
	}
	av.requestsToday++
	av.mu.Unlock()

	if err := av.limiter.Wait(ctx); err != nil {
		return NewNetworkError(instrument, "rate limit wait cancelled", err)
	}
	return nil
}

func (av *AlphaVantageProvider) query(ctx context.Context, instrument string, params url.Values) ([]byte, error) {
	if err := av.spendRequest(ctx, instrument); err != nil {
		return nil, err
	}
	params.Set("apikey", av.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, av.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, NewNetworkError(instrument, "build request", err)
	}
	resp, err := av.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError(instrument, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewRateLimitError(instrument, "vendor rate limit")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewNetworkError(instrument, fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(instrument, "read body", err)
	}
	// Vendor signals rate limiting and bad input inside a 200 response.
	var envelope struct {
		ErrorMessage string `json:"Error Message"`
		Information  string `json:"Information"`
		Note         string `json:"Note"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.ErrorMessage != "" {
			return nil, NewBadSymbolError(instrument, envelope.ErrorMessage)
		}
		if envelope.Information != "" || envelope.Note != "" {
			return nil, NewRateLimitError(instrument, envelope.Information+envelope.Note)
		}
	}
	return body, nil
}

func (av *AlphaVantageProvider) fetchGlobalQuote(ctx context.Context, instrument string) (*Snapshot, error) {
	body, err := av.query(ctx, instrument, url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {instrument},
	})
	if err != nil {
		return nil, err
	}
	var response struct {
		GlobalQuote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewNetworkError(instrument, "parse quote", err)
	}
	q := response.GlobalQuote
	if len(q) == 0 {
		return nil, NewBadSymbolError(instrument, "no quote data returned")
	}
	last, _ := strconv.ParseFloat(q["05. price"], 64)
	open, _ := strconv.ParseFloat(q["02. open"], 64)
	high, _ := strconv.ParseFloat(q["03. high"], 64)
	low, _ := strconv.ParseFloat(q["04. low"], 64)
	volume, _ := strconv.ParseInt(q["06. volume"], 10, 64)
	snap := &Snapshot{
		Instrument: instrument,
		Timestamp:  time.Now().UTC(),
		Last:       last,
		Open:       open,
		High:       high,
		Low:        low,
		Volume:     volume,
	}
	if err := snap.Validate(); err != nil {
		return nil, NewBadSymbolError(instrument, err.Error())
	}
	return snap, nil
}

func (av *AlphaVantageProvider) fetchIntraday(ctx context.Context, instrument, interval string) ([]Bar, error) {
	body, err := av.query(ctx, instrument, url.Values{
		"function":   {"TIME_SERIES_INTRADAY"},
		"symbol":     {instrument},
		"interval":   {interval},
		"outputsize": {"compact"},
	})
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, NewNetworkError(instrument, "parse series", err)
	}
	seriesKey := fmt.Sprintf("Time Series (%s)", interval)
	seriesRaw, ok := raw[seriesKey]
	if !ok {
		return nil, NewBadSymbolError(instrument, "no time series returned")
	}
	var series map[string]struct {
		Open   string `json:"1. open"`
		High   string `json:"2. high"`
		Low    string `json:"3. low"`
		Close  string `json:"4. close"`
		Volume string `json:"5. volume"`
	}
	if err := json.Unmarshal(seriesRaw, &series); err != nil {
		return nil, NewNetworkError(instrument, "parse series entries", err)
	}
	bars := make([]Bar, 0, len(series))
	for stamp, entry := range series {
		ts, err := time.Parse("2006-01-02 15:04:05", stamp)
		if err != nil {
			continue
		}
		open, _ := strconv.ParseFloat(entry.Open, 64)
		high, _ := strconv.ParseFloat(entry.High, 64)
		low, _ := strconv.ParseFloat(entry.Low, 64)
		closeP, _ := strconv.ParseFloat(entry.Close, 64)
		volume, _ := strconv.ParseInt(entry.Volume, 10, 64)
		bars = append(bars, Bar{
			Instrument: instrument,
			Timestamp:  ts,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      closeP,
			Volume:     volume,
		})
	}
	if len(bars) == 0 {
		return nil, NewInsufficientHistoryError(instrument, 0, 1)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func tail(bars []Bar, n int) []Bar {
	if n > 0 && n < len(bars) {
		bars = bars[len(bars)-n:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out
}
