package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.yaml"), filepath.Join(dir, "nope.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.MaxPositionPct != 0.3 || cfg.Ledger.FeeBps != 10 {
		t.Errorf("unexpected ledger defaults %+v", cfg.Ledger)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("expected 30s request timeout, got %s", cfg.Server.RequestTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "paper.yaml", `
server:
  port: 9090
storage:
  sqlite_path: /tmp/ledger.db
ledger:
  starting_cash: 25000
  slippage_bps: 2.5
  max_position_pct: 0.5
  price_timeout: 750ms
pricing:
  price_ttl: 30s
  static_prices:
    btc: 60000
instruments: [BTC, ETH]
`)
	cfg, err := Load(path, filepath.Join(t.TempDir(), "none.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("expected sqlite driver from sqlite_path, got %s", cfg.Storage.Driver)
	}
	if cfg.Ledger.PriceTimeout != 750*time.Millisecond {
		t.Errorf("expected 750ms price timeout, got %s", cfg.Ledger.PriceTimeout)
	}
	if cfg.Pricing.PriceTTL != 30*time.Second {
		t.Errorf("expected 30s price ttl, got %s", cfg.Pricing.PriceTTL)
	}
	if cfg.Ledger.FeeBps != 10 {
		t.Errorf("unset keys should keep defaults, fee_bps=%v", cfg.Ledger.FeeBps)
	}
	if !cfg.Ledger.StartingCashDecimal().Equal(decimal.NewFromInt(25000)) {
		t.Errorf("unexpected starting cash %s", cfg.Ledger.StartingCashDecimal())
	}
	if !cfg.Ledger.SlippageBpsDecimal().Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("unexpected slippage %s", cfg.Ledger.SlippageBpsDecimal())
	}
	if len(cfg.Instruments) != 2 {
		t.Errorf("expected 2 instruments, got %v", cfg.Instruments)
	}
	if p := cfg.Pricing.StaticPriceDecimals()["BTC"]; !p.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("expected BTC 60000 keyed upper-case, got %s", p)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "paper.yaml", "ledger:\n  max_position_pct: 0.4\n")
	t.Setenv("MAX_POSITION_PCT", "0.25")
	t.Setenv("DATABASE_URL", "postgres://paper@localhost/paper")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "7000")

	cfg, err := Load(path, filepath.Join(t.TempDir(), "none.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.MaxPositionPct != 0.25 {
		t.Errorf("env should win over file, got %v", cfg.Ledger.MaxPositionPct)
	}
	if cfg.Storage.Driver != DriverPostgres {
		t.Errorf("expected postgres driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Logging.Level != "debug" || cfg.Server.Port != 7000 {
		t.Errorf("unexpected overrides %+v %+v", cfg.Logging, cfg.Server)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	envPath := writeFile(t, ".env", "MIN_TRADE_SIZE=25\n")
	t.Cleanup(func() { os.Unsetenv("MIN_TRADE_SIZE") })

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"), envPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.MinTradeSize != 25 {
		t.Errorf("expected .env min_trade_size 25, got %v", cfg.Ledger.MinTradeSize)
	}
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("FEE_BPS", "ten")
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml"), filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Error("expected parse error for FEE_BPS")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "ledger: [unclosed\n")
	if _, err := Load(path, filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Error("expected YAML parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero starting cash", func(c *Config) { c.Ledger.StartingCash = 0 }},
		{"negative slippage", func(c *Config) { c.Ledger.SlippageBps = -1 }},
		{"negative fee", func(c *Config) { c.Ledger.FeeBps = -1 }},
		{"zero max position", func(c *Config) { c.Ledger.MaxPositionPct = 0 }},
		{"max position above one", func(c *Config) { c.Ledger.MaxPositionPct = 1.2 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"redis feed without url", func(c *Config) { c.Pricing.Source = PriceSourceRedis }},
		{"unknown price source", func(c *Config) { c.Pricing.Source = "oracle" }},
		{"no instruments", func(c *Config) { c.Instruments = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.Driver = cfg.driver()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.Storage.Driver = cfg.driver()
	cfg.Ledger.MaxPositionPct = 1
	if err := cfg.Validate(); err != nil {
		t.Errorf("max_position_pct 1 should be valid: %v", err)
	}
}
