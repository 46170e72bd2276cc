package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"FEED_MODE", "VENUE_MODE", "SYMBOLS", "STRATEGIES", "STRATEGY_WORKERS",
		"MAX_NOTIONAL", "PX_MIN", "PX_MAX", "MAX_QPS", "METRICS_PORT", "RECORD_FILE",
		"BINANCE_WS_URL", "BINANCE_REST_URL", "BINANCE_API_KEY", "BINANCE_API_SECRET",
		"BINANCE_RECV_WINDOW", "CONFIG_FILE",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadRequiresMaxNotionalAndPriceBand(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing MAX_NOTIONAL/PX_MIN/PX_MAX")
	}
}

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_NOTIONAL", "100000")
	t.Setenv("PX_MIN", "1")
	t.Setenv("PX_MAX", "1000000000")
	t.Setenv("SYMBOLS", "btcusdt, ethusdt")
	t.Setenv("MAX_QPS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.FeedMode != ModeMock || cfg.VenueMode != ModeMock {
		t.Fatalf("expected default mock modes, got feed=%s venue=%s", cfg.FeedMode, cfg.VenueMode)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" || cfg.Symbols[1] != "ETHUSDT" {
		t.Fatalf("unexpected symbols: %+v", cfg.Symbols)
	}
	if cfg.MaxQPS != 5 {
		t.Fatalf("expected MaxQPS=5, got %d", cfg.MaxQPS)
	}
	if cfg.MetricsPort != 9898 {
		t.Fatalf("expected default metrics port 9898, got %d", cfg.MetricsPort)
	}
	if cfg.MaxNotionalF() != 100000 {
		t.Fatalf("expected MaxNotionalF()=100000, got %v", cfg.MaxNotionalF())
	}
}

func TestLoadRejectsInvertedPriceBand(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_NOTIONAL", "1000")
	t.Setenv("PX_MIN", "2000")
	t.Setenv("PX_MAX", "1000")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for PX_MIN > PX_MAX")
	}
}

func TestLoadRequiresBinanceURLsForNonMockFeed(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_NOTIONAL", "1000")
	t.Setenv("PX_MIN", "1")
	t.Setenv("PX_MAX", "2000")
	t.Setenv("FEED_MODE", "binance_sandbox")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing binance URLs")
	}
}

func TestYAMLOverlayAppliedBeforeEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := dir + "/overlay.yaml"
	if err := os.WriteFile(path, []byte("max_qps: 42\nmetrics_port: 7000\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_NOTIONAL", "1000")
	t.Setenv("PX_MIN", "1")
	t.Setenv("PX_MAX", "2000")
	// env override should win over the overlay value.
	t.Setenv("METRICS_PORT", "8000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MaxQPS != 42 {
		t.Fatalf("expected overlay MaxQPS=42, got %d", cfg.MaxQPS)
	}
	if cfg.MetricsPort != 8000 {
		t.Fatalf("expected env METRICS_PORT to win, got %d", cfg.MetricsPort)
	}
}
