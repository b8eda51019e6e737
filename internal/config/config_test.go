package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
account_id: acct-test
watchlist: [ACME, BOLT]
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.CapitalBase != 100000 {
		t.Fatalf("capital base = %v", c.CapitalBase)
	}
	if c.Session.Timezone != "America/New_York" || c.Session.ForcedExitTime != "15:50" {
		t.Fatalf("session defaults = %+v", c.Session)
	}
	if c.Pipeline.MinConfidence != 0.55 {
		t.Fatalf("min confidence = %v", c.Pipeline.MinConfidence)
	}
	if c.Risk.DailyLossLimit != 1500 || c.Risk.WeeklyLossLimit != 4000 {
		t.Fatalf("loss limits = %+v", c.Risk)
	}
	if c.Risk.PersistPath != "data/pnl_windows.json" {
		t.Fatalf("risk persist path = %q", c.Risk.PersistPath)
	}
	if len(c.Alpha.RegimeWeights) != 5 {
		t.Fatalf("regime weight table has %d entries", len(c.Alpha.RegimeWeights))
	}
	def, ok := c.Strategies["default"]
	if !ok {
		t.Fatal("no default strategy synthesized")
	}
	if len(def.PartialTiers) != 2 || def.PartialTiers[1].GainPct != 2.0 {
		t.Fatalf("default tiers = %+v", def.PartialTiers)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
account_id: acct-test
capital_base: 250000
risk:
  daily_loss_limit: 3000
strategies:
  scalp:
    partial_tiers:
      - {gain_pct: 0.5, fraction: 0.5}
    hard_stop_pct: 1.0
`)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.CapitalBase != 250000 {
		t.Fatalf("capital base = %v", c.CapitalBase)
	}
	if c.Risk.DailyLossLimit != 3000 {
		t.Fatalf("daily loss limit = %v", c.Risk.DailyLossLimit)
	}
	scalp := c.Strategies["scalp"]
	if scalp.HardStopPct != 1.0 || len(scalp.PartialTiers) != 1 {
		t.Fatalf("scalp = %+v", scalp)
	}
	// Unset strategy fields still get filled in.
	if scalp.EarlyFailWindowMin != 10 || scalp.TrailDistancePct != 1.0 {
		t.Fatalf("scalp defaults = %+v", scalp)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing_account_id", `
watchlist: [ACME]
`},
		{"non_ascending_tiers", `
account_id: acct-test
strategies:
  default:
    partial_tiers:
      - {gain_pct: 2.0, fraction: 0.3}
      - {gain_pct: 1.0, fraction: 0.3}
`},
		{"tier_fractions_exhaust_position", `
account_id: acct-test
strategies:
  default:
    partial_tiers:
      - {gain_pct: 1.0, fraction: 0.5}
      - {gain_pct: 2.0, fraction: 0.5}
`},
		{"inverted_alpha_thresholds", `
account_id: acct-test
alpha:
  buy_threshold: -1.0
  sell_threshold: 1.0
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("bad config accepted")
			}
		})
	}
}
