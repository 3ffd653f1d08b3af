// Package config loads the paper engine configuration from a YAML file, an
// optional .env file and environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Price sources.
const (
	PriceSourceStatic = "static"
	PriceSourceRedis  = "redis"
	PriceSourceChain  = "chain"
)

// DefaultPath is used when PAPER_ENGINE_CONFIG is unset.
const DefaultPath = "config/paper-engine.yaml"

// --- Configuration structs ---

// Config is the top-level configuration.
type Config struct {
	Server      Server   `yaml:"server"`
	Storage     Storage  `yaml:"storage"`
	Redis       Redis    `yaml:"redis"`
	Logging     Logging  `yaml:"logging"`
	Ledger      Ledger   `yaml:"ledger"`
	Pricing     Pricing  `yaml:"pricing"`
	Instruments []string `yaml:"instruments"`
}

// Server holds HTTP listener settings.
type Server struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// Storage selects the ledger store. An empty driver is derived from which
// of DatabaseURL and SQLitePath is set.
type Storage struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	Migrate     bool   `yaml:"migrate"`
}

// Redis configures the read-through cache and the Redis price feed.
type Redis struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Ledger holds the execution model and risk parameters.
type Ledger struct {
	StartingCash       float64       `yaml:"starting_cash"`
	BaseCurrency       string        `yaml:"base_currency"`
	SlippageBps        float64       `yaml:"slippage_bps"`
	FeeBps             float64       `yaml:"fee_bps"`
	MaxPositionPct     float64       `yaml:"max_position_pct"`
	MinTradeSize       float64       `yaml:"min_trade_size"`
	PriceTimeout       time.Duration `yaml:"price_timeout"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
}

// Pricing selects the reference price source.
type Pricing struct {
	Source       string             `yaml:"source"`
	StaticPrices map[string]float64 `yaml:"static_prices"`
	// PriceTTL bounds how long prices written through the API stay in
	// Redis. Zero keeps them until overwritten.
	PriceTTL time.Duration `yaml:"price_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:           8080,
			RequestTimeout: 30 * time.Second,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		Storage: Storage{Migrate: true},
		Redis:   Redis{CacheTTL: 30 * time.Second},
		Logging: Logging{Level: "info", Format: "json"},
		Ledger: Ledger{
			StartingCash:       10000,
			BaseCurrency:       "USD",
			SlippageBps:        5,
			FeeBps:             10,
			MaxPositionPct:     0.3,
			MinTradeSize:       10,
			PriceTimeout:       2 * time.Second,
			StoreTimeout:       5 * time.Second,
			MaxConflictRetries: 3,
		},
		Pricing: Pricing{
			Source: PriceSourceStatic,
			StaticPrices: map[string]float64{
				"BTC": 45000, "ETH": 2800, "SOL": 95, "ADA": 0.45,
				"DOT": 6.5, "LINK": 14, "MATIC": 0.7, "AVAX": 35,
			},
		},
		Instruments: []string{"BTC", "ETH", "SOL", "ADA", "DOT", "LINK", "MATIC", "AVAX"},
	}
}

// --- Loading ---

// Load reads envPath (or ./.env when empty) if present, then the YAML file at
// path on top of the defaults, then environment overrides. A missing YAML
// file is not an error.
func Load(path, envPath string) (*Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		// A configured price table replaces the defaults instead of merging.
		defaults := cfg.Pricing.StaticPrices
		cfg.Pricing.StaticPrices = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Pricing.StaticPrices == nil {
			cfg.Pricing.StaticPrices = defaults
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Storage.Driver = cfg.driver()
	return cfg, nil
}

// Path returns PAPER_ENGINE_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("PAPER_ENGINE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PRICE_SOURCE"); v != "" {
		cfg.Pricing.Source = v
	}

	floats := []struct {
		env string
		dst *float64
	}{
		{"STARTING_CASH", &cfg.Ledger.StartingCash},
		{"SLIPPAGE_BPS", &cfg.Ledger.SlippageBps},
		{"FEE_BPS", &cfg.Ledger.FeeBps},
		{"MAX_POSITION_PCT", &cfg.Ledger.MaxPositionPct},
		{"MIN_TRADE_SIZE", &cfg.Ledger.MinTradeSize},
	}
	for _, f := range floats {
		v := os.Getenv(f.env)
		if v == "" {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.env, err)
		}
		*f.dst = n
	}
	return nil
}

func (c *Config) driver() string {
	if c.Storage.Driver != "" {
		return strings.ToLower(c.Storage.Driver)
	}
	switch {
	case c.Storage.DatabaseURL != "":
		return DriverPostgres
	case c.Storage.SQLitePath != "":
		return DriverSQLite
	default:
		return DriverMemory
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	l := c.Ledger
	switch {
	case l.StartingCash <= 0:
		return errors.New("ledger.starting_cash must be positive")
	case l.SlippageBps < 0:
		return errors.New("ledger.slippage_bps must not be negative")
	case l.FeeBps < 0:
		return errors.New("ledger.fee_bps must not be negative")
	case l.MaxPositionPct <= 0 || l.MaxPositionPct > 1:
		return errors.New("ledger.max_position_pct must be in (0, 1]")
	case l.MinTradeSize < 0:
		return errors.New("ledger.min_trade_size must not be negative")
	case l.PriceTimeout <= 0 || l.StoreTimeout <= 0:
		return errors.New("ledger timeouts must be positive")
	case l.MaxConflictRetries < 0:
		return errors.New("ledger.max_conflict_retries must not be negative")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for postgres")
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Pricing.Source {
	case PriceSourceStatic:
	case PriceSourceRedis, PriceSourceChain:
		if c.Redis.URL == "" {
			return fmt.Errorf("pricing.source %s requires redis.url", c.Pricing.Source)
		}
	default:
		return fmt.Errorf("unknown pricing source %q", c.Pricing.Source)
	}
	if c.Pricing.PriceTTL < 0 {
		return errors.New("pricing.price_ttl must not be negative")
	}

	if len(c.Instruments) == 0 {
		return errors.New("instruments must not be empty")
	}
	return nil
}

// Decimal views of the ledger parameters.

func (l Ledger) StartingCashDecimal() decimal.Decimal {
	return decimal.NewFromFloat(l.StartingCash).Round(2)
}

func (l Ledger) SlippageBpsDecimal() decimal.Decimal { return decimal.NewFromFloat(l.SlippageBps) }

func (l Ledger) FeeBpsDecimal() decimal.Decimal { return decimal.NewFromFloat(l.FeeBps) }

func (l Ledger) MaxPositionPctDecimal() decimal.Decimal {
	return decimal.NewFromFloat(l.MaxPositionPct)
}

func (l Ledger) MinTradeSizeDecimal() decimal.Decimal { return decimal.NewFromFloat(l.MinTradeSize) }

// StaticPriceDecimals returns the configured static prices keyed by
// upper-case symbol.
func (p Pricing) StaticPriceDecimals() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(p.StaticPrices))
	for sym, v := range p.StaticPrices {
		out[strings.ToUpper(sym)] = decimal.NewFromFloat(v)
	}
	return out
}
