package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alphapipe/trading-engine/internal/alerts"
	"github.com/alphapipe/trading-engine/internal/config"
	"github.com/alphapipe/trading-engine/internal/engine"
	"github.com/alphapipe/trading-engine/internal/execution"
	"github.com/alphapipe/trading-engine/internal/marketdata"
	"github.com/alphapipe/trading-engine/internal/observ"
)

func main() {
	log.SetFlags(0)

	var cfgPath string
	var metricsAddr string
	var seed int64
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:8090", "metrics listen address (empty to disable)")
	flag.Int64Var(&seed, "seed", 42, "seed for the paper data provider")
	flag.Parse()

	// .env is optional; real deployments inject env directly.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if v := os.Getenv("ACCOUNT_ID"); v != "" {
		cfg.AccountID = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Orders always go to the simulated broker: this binary paper-trades
	// against whichever data source the config selects.
	broker := execution.NewSimBroker()

	var provider marketdata.Provider
	var flow marketdata.FlowProvider
	switch cfg.MarketData.Mode {
	case "alphavantage":
		av, err := marketdata.NewAlphaVantageProvider(marketdata.AlphaVantageConfig{
			APIKey:             os.Getenv("ALPHAVANTAGE_API_KEY"),
			RateLimitPerMinute: cfg.MarketData.RateLimitPerMinute,
			DailyCap:           cfg.MarketData.DailyCap,
			CacheTTLSeconds:    cfg.MarketData.CacheTTLSeconds,
			StaleCeilingSec:    cfg.MarketData.StaleCeilingSec,
		})
		if err != nil {
			log.Fatalf("alphavantage provider: %v", err)
		}
		provider = av
	case "stream":
		sp := marketdata.NewStreamProvider(marketdata.StreamConfig{BaseURL: cfg.MarketData.StreamURL})
		sp.Start(ctx)
		provider = sp
	default: // "sim": a seeded walk per watchlist instrument
		sim := marketdata.NewSimProvider(seed)
		start := time.Now().Add(-3 * time.Hour)
		for _, instrument := range cfg.Watchlist {
			sim.GenerateWalk(instrument, 100, 180, start)
			if snap, err := sim.FetchSnapshot(context.Background(), instrument); err == nil {
				broker.SetMark(instrument, snap.Last)
			}
		}
		provider = sim
		flow = sim
	}
	defer provider.Close()

	eng, err := engine.New(cfg, provider, flow, broker, nil)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}
	if err := eng.Load(time.Now()); err != nil {
		log.Fatalf("restore state: %v", err)
	}

	if cfg.Alerts.Enabled {
		notifier := alerts.NewSlackNotifier(alerts.Config{
			Enabled:         true,
			WebhookURL:      cfg.Alerts.WebhookURL,
			Channel:         cfg.Alerts.Channel,
			RateLimitPerMin: cfg.Alerts.RateLimitPerMin,
			QueueSize:       cfg.Alerts.QueueSize,
			DedupeWindowSec: cfg.Alerts.DedupeWindowSec,
		})
		defer notifier.Close()
		eng.SetNotifier(notifier)
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		observ.Log("metrics_listen", map[string]any{"addr": metricsAddr})
		go func() { _ = http.ListenAndServe(metricsAddr, mux) }()
	}

	observ.Log("startup", map[string]any{
		"account_id": cfg.AccountID,
		"watchlist":  cfg.Watchlist,
		"data_dir":   cfg.DataDir,
		"mode":       cfg.MarketData.Mode,
	})

	if err := eng.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}
