package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/alphapipe/trading-engine/internal/config"
	"github.com/alphapipe/trading-engine/internal/engine"
	"github.com/alphapipe/trading-engine/internal/execution"
	"github.com/alphapipe/trading-engine/internal/marketdata"
)

// replay drives the full decision core over a recorded jsonl bar file: one
// marketdata.Bar per line, any instrument mix, ascending time. Bars are fed
// to the provider minute by minute so every scan sees exactly the history a
// live run would have had.
func main() {
	log.SetFlags(0)

	var cfgPath string
	var barsPath string
	var stepMinutes int
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&barsPath, "bars", "fixtures/bars.jsonl", "jsonl bar file to replay")
	flag.IntVar(&stepMinutes, "step", 1, "minutes of bars per evaluation step")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bars, err := readBars(barsPath)
	if err != nil {
		log.Fatalf("read bars: %v", err)
	}
	if len(bars) == 0 {
		log.Fatalf("no bars in %s", barsPath)
	}

	byInstrument := make(map[string][]marketdata.Bar)
	for _, b := range bars {
		byInstrument[b.Instrument] = append(byInstrument[b.Instrument], b)
	}
	instruments := make([]string, 0, len(byInstrument))
	for instrument := range byInstrument {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)
	cfg.Watchlist = instruments

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	provider := marketdata.NewSimProvider(1)
	broker := execution.NewSimBroker()
	eng, err := engine.New(cfg, provider, provider, broker, nil)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}
	if err := eng.Load(bars[0].Timestamp); err != nil {
		log.Fatalf("restore state: %v", err)
	}

	ctx := context.Background()
	steps := 0
	cursor := make(map[string]int, len(byInstrument)) // bars released so far

	for ts := bars[0].Timestamp; !ts.After(bars[len(bars)-1].Timestamp); ts = ts.Add(time.Duration(stepMinutes) * time.Minute) {
		advanced := false
		for _, instrument := range instruments {
			series := byInstrument[instrument]
			i := cursor[instrument]
			for i < len(series) && !series[i].Timestamp.After(ts) {
				i++
			}
			if i == cursor[instrument] {
				continue
			}
			cursor[instrument] = i
			provider.LoadBars(instrument, series[:i])
			broker.SetMark(instrument, series[i-1].Close)
			advanced = true
		}
		if !advanced {
			continue
		}
		eng.ScanAll(ctx, ts)
		steps++
	}

	fmt.Printf("replayed %d bars over %d steps, %d instruments, %d orders filled\n",
		len(bars), steps, len(instruments), broker.OrderCount())
}

func readBars(path string) ([]marketdata.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []marketdata.Bar
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var b marketdata.Bar
		if err := json.Unmarshal(line, &b); err != nil {
			return nil, fmt.Errorf("bad bar line: %w", err)
		}
		out = append(out, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
