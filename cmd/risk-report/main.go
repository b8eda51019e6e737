// Command risk-report prints the current risk posture of an account: realized
// P&L windows, breaker state, open positions and today's executions. Read-only;
// safe to run next to a live engine.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alphapipe/trading-engine/internal/config"
	"github.com/alphapipe/trading-engine/internal/position"
	"github.com/alphapipe/trading-engine/internal/risk"
	"github.com/alphapipe/trading-engine/internal/tradestate"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	now := time.Now().UTC()

	windows := risk.NewWindowTracker(cfg.Risk.PersistPath)
	if err := windows.Load(now); err != nil {
		fmt.Fprintf(os.Stderr, "load pnl windows: %v\n", err)
		os.Exit(1)
	}
	daily, weekly, weeklyTripped := windows.Snapshot(now)

	fmt.Printf("account: %s  (%s)\n\n", cfg.AccountID, now.Format(time.RFC3339))
	fmt.Println("realized P&L")
	fmt.Printf("  daily:   %+10.2f   limit -%.2f\n", daily, cfg.Risk.DailyLossLimit)
	fmt.Printf("  weekly:  %+10.2f   limit -%.2f\n", weekly, cfg.Risk.WeeklyLossLimit)
	switch {
	case daily <= -cfg.Risk.DailyLossLimit:
		fmt.Println("  breaker: DAILY TRIPPED - entries blocked until next session")
	case weekly <= -cfg.Risk.WeeklyLossLimit:
		fmt.Println("  breaker: WEEKLY TRIPPED - entries blocked")
	case weeklyTripped:
		fmt.Printf("  breaker: weekly latch active - sizing reduced to %.0f%%\n", cfg.Risk.ReducedSizeFactor*100)
	default:
		fmt.Println("  breaker: clear")
	}

	store := position.NewStore(cfg.DataDir + "/positions.json")
	if err := store.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "load positions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nopen positions (%d/%d, value %.2f)\n",
		store.Count(), cfg.Risk.MaxConcurrentPositions, store.OpenValue(nil))
	for _, inst := range store.Instruments() {
		pos, ok := store.Get(inst)
		if !ok {
			continue
		}
		fmt.Printf("  %-8s %s  qty %d/%d  entry %.2f  realized %+.2f  tag %s\n",
			pos.Instrument, pos.Stage, pos.RemainingQuantity, pos.Quantity,
			pos.EntryPrice, pos.RealizedPnL, pos.StrategyTag)
	}

	ledger, err := tradestate.NewLedger(cfg.TradeState.LedgerPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	records, err := ledger.All()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read ledger: %v\n", err)
		os.Exit(1)
	}
	today := now.Format("2006-01-02")
	fmt.Println("\ntoday's executions")
	count := 0
	for _, rec := range records {
		if rec.Timestamp.UTC().Format("2006-01-02") != today {
			continue
		}
		count++
		line := fmt.Sprintf("  %s %-12s %-8s qty %4d @ %.2f",
			rec.Timestamp.UTC().Format("15:04:05"), rec.Action, rec.Instrument, rec.Quantity, rec.Price)
		if rec.Outcome != "" {
			line += fmt.Sprintf("  %s %+.2f", rec.Outcome, rec.RealizedPnL)
		}
		fmt.Println(line)
	}
	if count == 0 {
		fmt.Println("  (none)")
	}
}
