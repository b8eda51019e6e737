// Command quotefeed serves a simulated SSE bar stream for local development.
// Point the engine's stream provider at it to exercise the full loop without
// a vendor key.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alphapipe/trading-engine/internal/observ"
)

type barEvent struct {
	ID         int64     `json:"-"`
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"ts_utc"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
}

// feed generates a bounded random walk per instrument and retains a replay
// ring so reconnecting clients can resume from Last-Event-ID.
type feed struct {
	mu      sync.RWMutex
	ring    []barEvent
	maxRing int
	nextID  int64
	prices  map[string]float64
	rng     *rand.Rand

	clientsMu sync.RWMutex
	clients   map[int64]chan barEvent
	nextChan  int64
}

func newFeed(instruments []string, seed int64) *feed {
	f := &feed{
		maxRing: 5000,
		nextID:  1,
		prices:  make(map[string]float64),
		rng:     rand.New(rand.NewSource(seed)),
		clients: make(map[int64]chan barEvent),
	}
	for _, inst := range instruments {
		f.prices[inst] = 50 + f.rng.Float64()*150
	}
	return f
}

func (f *feed) tick(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for inst, price := range f.prices {
		drift := f.rng.NormFloat64() * 0.002 * price
		open := price
		closeP := price + drift
		ev := barEvent{
			ID:         f.nextID,
			Instrument: inst,
			Timestamp:  now,
			Open:       open,
			High:       maxF(open, closeP) * (1 + f.rng.Float64()*0.001),
			Low:        minF(open, closeP) * (1 - f.rng.Float64()*0.001),
			Close:      closeP,
			Volume:     int64(10000 + f.rng.Intn(5000)),
		}
		f.nextID++
		f.prices[inst] = closeP
		f.ring = append(f.ring, ev)
		if len(f.ring) > f.maxRing {
			f.ring = f.ring[len(f.ring)-f.maxRing:]
		}
		f.broadcast(ev)
	}
}

func (f *feed) broadcast(ev barEvent) {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	for id, ch := range f.clients {
		select {
		case ch <- ev:
		default:
			observ.Log("quotefeed_client_slow", map[string]any{"client": id})
		}
	}
}

func (f *feed) subscribe() (int64, chan barEvent) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	id := f.nextChan
	f.nextChan++
	ch := make(chan barEvent, 256)
	f.clients[id] = ch
	return id, ch
}

func (f *feed) unsubscribe(id int64) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	delete(f.clients, id)
}

func (f *feed) replaySince(lastID int64) []barEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []barEvent
	for _, ev := range f.ring {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (f *feed) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastID int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		lastID, _ = strconv.ParseInt(raw, 10, 64)
	}

	id, ch := f.subscribe()
	defer f.unsubscribe(id)
	observ.Log("quotefeed_client_connected", map[string]any{"client": id, "resume_from": lastID})

	for _, ev := range f.replaySince(lastID) {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev barEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: bar\nid: %d\ndata: %s\n\n", ev.ID, payload)
	return err
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8099", "listen address")
	watchlist := flag.String("watchlist", "ACME,BOLT,CRUX", "comma-separated instruments")
	interval := flag.Duration("interval", 5*time.Second, "bar emit interval")
	seed := flag.Int64("seed", time.Now().UnixNano(), "walk seed")
	flag.Parse()

	instruments := strings.Split(*watchlist, ",")
	for i := range instruments {
		instruments[i] = strings.ToUpper(strings.TrimSpace(instruments[i]))
	}
	f := newFeed(instruments, *seed)

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for now := range ticker.C {
			f.tick(now.UTC())
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", f.serveStream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	observ.Log("quotefeed_started", map[string]any{
		"addr": *addr, "instruments": len(instruments), "interval": interval.String(),
	})
	if err := http.ListenAndServe(*addr, mux); err != nil {
		observ.Log("quotefeed_exit", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
}
