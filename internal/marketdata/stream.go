package marketdata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphapipe/trading-engine/internal/observ"
)

// StreamConfig tunes the SSE quote stream client.
type StreamConfig struct {
	BaseURL         string
	MaxBars         int
	ReconnectBaseMs int
	ReconnectMaxMs  int
	JitterMs        int
	RequestTimeout  time.Duration
}

// streamBar is one wire event on the quote stream.
type streamBar struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"ts_utc"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
}

// StreamProvider consumes a Server-Sent-Events bar stream and serves Provider
// reads from the accumulated in-memory history. Reconnects resume from the
// last event ID so a blip never replays or skips bars silently.
type StreamProvider struct {
	cfg        StreamConfig
	httpClient *http.Client
	history    *History
	connected  int32

	mu          sync.RWMutex
	snapshots   map[string]*Snapshot
	lastEventID string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewStreamProvider(cfg StreamConfig) *StreamProvider {
	if cfg.MaxBars <= 0 {
		cfg.MaxBars = 500
	}
	if cfg.ReconnectBaseMs <= 0 {
		cfg.ReconnectBaseMs = 500
	}
	if cfg.ReconnectMaxMs <= 0 {
		cfg.ReconnectMaxMs = 30000
	}
	if cfg.JitterMs <= 0 {
		cfg.JitterMs = 250
	}
	return &StreamProvider{
		cfg: cfg,
		// The stream request is long-lived; cancellation comes from the
		// context, not a client timeout.
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		history:    NewHistory(cfg.MaxBars),
		snapshots:  make(map[string]*Snapshot),
		done:       make(chan struct{}),
	}
}

// Start launches the consume loop. Reads are served from memory immediately;
// they stay empty until the stream delivers bars.
func (sp *StreamProvider) Start(ctx context.Context) {
	ctx, sp.cancel = context.WithCancel(ctx)
	go sp.consumeLoop(ctx)
}

func (sp *StreamProvider) consumeLoop(ctx context.Context) {
	defer close(sp.done)
	backoff := sp.cfg.ReconnectBaseMs
	for {
		if ctx.Err() != nil {
			return
		}
		err := sp.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		atomic.StoreInt32(&sp.connected, 0)
		observ.IncCounter("stream_reconnects_total", nil)
		observ.Log("stream_disconnected", map[string]any{"err": errString(err)})

		delay := time.Duration(backoff+rand.Intn(sp.cfg.JitterMs)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > sp.cfg.ReconnectMaxMs {
			backoff = sp.cfg.ReconnectMaxMs
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "stream closed"
	}
	return err.Error()
}

func (sp *StreamProvider) connectAndConsume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sp.cfg.BaseURL+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	sp.mu.RLock()
	if sp.lastEventID != "" {
		req.Header.Set("Last-Event-ID", sp.lastEventID)
	}
	sp.mu.RUnlock()

	resp, err := sp.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}
	atomic.StoreInt32(&sp.connected, 1)
	observ.Log("stream_connected", map[string]any{"url": sp.cfg.BaseURL})
	return sp.readEvents(ctx, resp.Body)
}

func (sp *StreamProvider) readEvents(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	var eventType, eventID, eventData string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if strings.HasPrefix(line, ":") { // heartbeat comment
			continue
		}
		if line == "" {
			if eventType == "bar" && eventData != "" {
				sp.handleBar(eventID, eventData)
			}
			eventType, eventID, eventData = "", "", ""
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			field, value := line[:idx], strings.TrimSpace(line[idx+1:])
			switch field {
			case "event":
				eventType = value
			case "id":
				eventID = value
			case "data":
				eventData = value
			}
		}
	}
	return scanner.Err()
}

func (sp *StreamProvider) handleBar(eventID, data string) {
	var sb streamBar
	if err := json.Unmarshal([]byte(data), &sb); err != nil {
		observ.IncCounter("stream_parse_errors_total", nil)
		return
	}
	sp.mu.Lock()
	// Sequence gap check on numeric IDs; the history itself enforces ordering.
	if prev, err := strconv.ParseInt(sp.lastEventID, 10, 64); err == nil {
		if cur, err := strconv.ParseInt(eventID, 10, 64); err == nil && cur > prev+1 {
			observ.IncCounter("stream_gaps_total", nil)
		}
	}
	sp.lastEventID = eventID
	sp.snapshots[sb.Instrument] = &Snapshot{
		Instrument: sb.Instrument,
		Timestamp:  sb.Timestamp,
		Last:       sb.Close,
		Open:       sb.Open,
		High:       sb.High,
		Low:        sb.Low,
		Volume:     sb.Volume,
	}
	sp.mu.Unlock()

	sp.history.Append(Bar{
		Instrument: sb.Instrument,
		Timestamp:  sb.Timestamp,
		Open:       sb.Open,
		High:       sb.High,
		Low:        sb.Low,
		Close:      sb.Close,
		Volume:     sb.Volume,
	})
}

func (sp *StreamProvider) FetchBars(ctx context.Context, instrument string, gran Granularity, lookback int) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if gran != Gran1m {
		// The stream carries 1m bars only; coarser series degrade upstream.
		return nil, NewInsufficientHistoryError(instrument, 0, lookback)
	}
	bars := sp.history.Bars(instrument, lookback)
	if len(bars) == 0 {
		return nil, NewInsufficientHistoryError(instrument, 0, lookback)
	}
	return bars, nil
}

func (sp *StreamProvider) FetchSnapshot(ctx context.Context, instrument string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	snap, ok := sp.snapshots[instrument]
	if !ok {
		return nil, NewBadSymbolError(instrument, "no stream data yet")
	}
	copied := *snap
	copied.StalenessMs = time.Since(snap.Timestamp).Milliseconds()
	return &copied, nil
}

func (sp *StreamProvider) HealthCheck(ctx context.Context) error {
	if atomic.LoadInt32(&sp.connected) != 1 {
		return fmt.Errorf("quote stream disconnected")
	}
	return nil
}

func (sp *StreamProvider) Close() error {
	if sp.cancel != nil {
		sp.cancel()
		<-sp.done
	}
	return nil
}
