package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const globalQuoteBody = `{
  "Global Quote": {
    "01. symbol": "ACME",
    "02. open": "99.50",
    "03. high": "101.20",
    "04. low": "99.10",
    "05. price": "100.75",
    "06. volume": "1250000"
  }
}`

const intradayBody = `{
  "Meta Data": {"2. Symbol": "ACME"},
  "Time Series (1min)": {
    "2026-08-25 14:01:00": {"1. open": "100.0", "2. high": "100.5", "3. low": "99.8", "4. close": "100.2", "5. volume": "12000"},
    "2026-08-25 14:00:00": {"1. open": "99.5", "2. high": "100.1", "3. low": "99.4", "4. close": "100.0", "5. volume": "11000"}
  }
}`

func newVendorStub(t *testing.T, handler http.HandlerFunc) (*AlphaVantageProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	av, err := NewAlphaVantageProvider(AlphaVantageConfig{
		APIKey:             "test-key",
		BaseURL:            srv.URL,
		RateLimitPerMinute: 600,
	})
	require.NoError(t, err)
	return av, srv
}

func TestAlphaVantageSnapshotParsing(t *testing.T) {
	av, _ := newVendorStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GLOBAL_QUOTE", r.URL.Query().Get("function"))
		assert.Equal(t, "ACME", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, globalQuoteBody)
	})

	snap, err := av.FetchSnapshot(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "ACME", snap.Instrument)
	assert.Equal(t, 100.75, snap.Last)
	assert.Equal(t, int64(1250000), snap.Volume)
}

func TestAlphaVantageSnapshotServedFromCache(t *testing.T) {
	var calls int64
	av, _ := newVendorStub(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		fmt.Fprint(w, globalQuoteBody)
	})

	_, err := av.FetchSnapshot(context.Background(), "ACME")
	require.NoError(t, err)
	_, err = av.FetchSnapshot(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second fetch inside TTL must hit the cache")
}

func TestAlphaVantageBarsSortedAscending(t *testing.T) {
	av, _ := newVendorStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TIME_SERIES_INTRADAY", r.URL.Query().Get("function"))
		fmt.Fprint(w, intradayBody)
	})

	bars, err := av.FetchBars(context.Background(), "ACME", Gran1m, 10)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp))
	assert.Equal(t, 100.2, bars[1].Close)
}

func TestAlphaVantageRateLimitNoteClassified(t *testing.T) {
	av, _ := newVendorStub(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Note": "API call frequency exceeded"}`)
	})

	_, err := av.FetchSnapshot(context.Background(), "ACME")
	require.Error(t, err)
	fe, ok := err.(*FeedError)
	require.True(t, ok)
	assert.Equal(t, "rate_limit", fe.Type)
}

func TestAlphaVantageStaleFallbackOnVendorFailure(t *testing.T) {
	var fail int64
	av, _ := newVendorStub(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt64(&fail) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, globalQuoteBody)
	})
	av.cfg.CacheTTLSeconds = -1 // force a refetch attempt on every call

	first, err := av.FetchSnapshot(context.Background(), "ACME")
	require.NoError(t, err)

	atomic.StoreInt64(&fail, 1)
	stale, err := av.FetchSnapshot(context.Background(), "ACME")
	require.NoError(t, err, "cached snapshot under the stale ceiling must be served")
	assert.Equal(t, first.Last, stale.Last)
	assert.GreaterOrEqual(t, stale.StalenessMs, int64(0))
}

func TestAlphaVantageRequiresAPIKey(t *testing.T) {
	_, err := NewAlphaVantageProvider(AlphaVantageConfig{})
	require.Error(t, err)
}
