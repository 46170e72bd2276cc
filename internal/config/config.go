// Package config exposes strongly typed application configuration loaded
// from environment variables (spec.md §6), with an optional .env file and
// an optional YAML overlay applied before the environment, mirroring the
// teacher's typed Config struct and Load/Save pair.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Feed/venue modes accepted by FEED_MODE / VENUE_MODE.
const (
	ModeMock            = "mock"
	ModeBinanceSandbox   = "binance_sandbox"
	ModeBinanceMainnet   = "binance_mainnet"
)

// Config collects every setting from spec.md §6's environment table.
type Config struct {
	FeedMode        string   `yaml:"feed_mode"`
	VenueMode       string   `yaml:"venue_mode"`
	Symbols         []string `yaml:"symbols"`
	Strategies      []string `yaml:"strategies"`
	StrategyWorkers uint     `yaml:"strategy_workers"`

	MaxNotional decimal.Decimal `yaml:"max_notional"`
	PxMin       decimal.Decimal `yaml:"px_min"`
	PxMax       decimal.Decimal `yaml:"px_max"`
	MaxQPS      uint            `yaml:"max_qps"`

	MetricsPort uint   `yaml:"metrics_port"`
	RecordFile  string `yaml:"record_file"`

	BinanceWSURL        string `yaml:"binance_ws_url"`
	BinanceRESTURL      string `yaml:"binance_rest_url"`
	BinanceAPIKey       string `yaml:"binance_api_key"`
	BinanceAPISecret    string `yaml:"binance_api_secret"`
	BinanceRecvWindowMs uint   `yaml:"binance_recv_window_ms"`

	// RouterW1..RouterW3/RouterDelta are not in spec.md's env table but spec.md
	// §9 calls for the router's scoring weights to be "exposed as config".
	RouterW1    float64 `yaml:"router_w1"`
	RouterW2    float64 `yaml:"router_w2"`
	RouterW3    float64 `yaml:"router_w3"`
	RouterDelta float64 `yaml:"router_delta"`
}

// defaults matches the Default column of spec.md §6's table.
func defaults() Config {
	return Config{
		FeedMode:            ModeMock,
		VenueMode:           ModeMock,
		Symbols:             []string{"BTCUSDT"},
		Strategies:          []string{string(strategyMeanReversion), string(strategyMaCrossover), string(strategyVolBreakout)},
		StrategyWorkers:     1,
		MaxQPS:              10,
		MetricsPort:         9898,
		BinanceRecvWindowMs: 5000,
		RouterW1:            1.0,
		RouterW2:            0.01,
		RouterW3:            1.0,
		RouterDelta:         0.05,
	}
}

// String identifiers mirrored here (not imported from internal/strategy) to
// avoid a dependency cycle between config and strategy.
const (
	strategyMeanReversion = "mean_reversion"
	strategyMaCrossover   = "ma_crossover"
	strategyVolBreakout   = "vol_breakout"
)

// Load builds a Config from (in increasing priority) built-in defaults, an
// optional YAML overlay named by CONFIG_FILE, a .env file if present, and
// process environment variables. Returns a *ValidationError for the first
// failed check; MAX_NOTIONAL, PX_MIN and PX_MAX are required.
func Load() (*Config, error) {
	_ = godotenv.Load() // best effort; absence of .env is not an error

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyYAMLOverlay(&cfg, path); err != nil {
			return nil, fmt.Errorf("config: yaml overlay: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open overlay: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode overlay: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("FEED_MODE"); ok {
		cfg.FeedMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv("VENUE_MODE"); ok {
		cfg.VenueMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv("SYMBOLS"); ok {
		cfg.Symbols = splitCSVUpper(v)
	}
	if v, ok := os.LookupEnv("STRATEGIES"); ok {
		cfg.Strategies = splitCSVLower(v)
	}
	if v, ok := os.LookupEnv("STRATEGY_WORKERS"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.StrategyWorkers = uint(n)
		}
	}
	if v, ok := os.LookupEnv("MAX_NOTIONAL"); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.MaxNotional = d
		}
	}
	if v, ok := os.LookupEnv("PX_MIN"); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.PxMin = d
		}
	}
	if v, ok := os.LookupEnv("PX_MAX"); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.PxMax = d
		}
	}
	if v, ok := os.LookupEnv("MAX_QPS"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.MaxQPS = uint(n)
		}
	}
	if v, ok := os.LookupEnv("METRICS_PORT"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.MetricsPort = uint(n)
		}
	}
	if v, ok := os.LookupEnv("RECORD_FILE"); ok {
		cfg.RecordFile = v
	}
	if v, ok := os.LookupEnv("BINANCE_WS_URL"); ok {
		cfg.BinanceWSURL = v
	}
	if v, ok := os.LookupEnv("BINANCE_REST_URL"); ok {
		cfg.BinanceRESTURL = v
	}
	if v, ok := os.LookupEnv("BINANCE_API_KEY"); ok {
		cfg.BinanceAPIKey = v
	}
	if v, ok := os.LookupEnv("BINANCE_API_SECRET"); ok {
		cfg.BinanceAPISecret = v
	}
	if v, ok := os.LookupEnv("BINANCE_RECV_WINDOW"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.BinanceRecvWindowMs = uint(n)
		}
	}
}

func splitCSVUpper(s string) []string {
	return splitCSV(s, strings.ToUpper)
}

func splitCSVLower(s string) []string {
	return splitCSV(s, strings.ToLower)
}

func splitCSV(s string, transform func(string) string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = transform(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidationError is a fatal config error per spec.md §7's Config taxonomy.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func validate(cfg *Config) error {
	if len(cfg.Symbols) == 0 {
		return &ValidationError{"SYMBOLS", "must name at least one symbol"}
	}
	if cfg.MaxNotional.IsZero() || cfg.MaxNotional.IsNegative() {
		return &ValidationError{"MAX_NOTIONAL", "required and must be positive"}
	}
	if cfg.PxMin.IsZero() && cfg.PxMax.IsZero() {
		return &ValidationError{"PX_MIN/PX_MAX", "required price band"}
	}
	if cfg.PxMin.GreaterThan(cfg.PxMax) {
		return &ValidationError{"PX_MIN/PX_MAX", "PX_MIN must be <= PX_MAX"}
	}
	switch cfg.FeedMode {
	case ModeMock, ModeBinanceSandbox, ModeBinanceMainnet:
	default:
		return &ValidationError{"FEED_MODE", "must be one of mock, binance_sandbox, binance_mainnet"}
	}
	switch cfg.VenueMode {
	case ModeMock, ModeBinanceSandbox, ModeBinanceMainnet:
	default:
		return &ValidationError{"VENUE_MODE", "must be one of mock, binance_sandbox, binance_mainnet"}
	}
	if (cfg.FeedMode != ModeMock || cfg.VenueMode != ModeMock) && (cfg.BinanceWSURL == "" || cfg.BinanceRESTURL == "") {
		return &ValidationError{"BINANCE_WS_URL/BINANCE_REST_URL", "required for a non-mock feed or venue mode"}
	}
	return nil
}

// MaxNotionalF, PxMinF and PxMaxF convert the decimal-parsed monetary
// config fields to float64 once, at construction time, for the hot-path
// numeric pipeline (see SPEC_FULL.md §3 for why decimal isn't threaded
// further than this boundary).
func (c *Config) MaxNotionalF() float64 { f, _ := c.MaxNotional.Float64(); return f }
func (c *Config) PxMinF() float64       { f, _ := c.PxMin.Float64(); return f }
func (c *Config) PxMaxF() float64       { f, _ := c.PxMax.Float64(); return f }
