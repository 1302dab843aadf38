package config

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg := LoadFrom(env(nil), discard)

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.DatabaseDriver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.DatabaseDriver)
	}
	if cfg.OracleTimeout != 5*time.Second || cfg.CacheTTL != 30*time.Second {
		t.Errorf("unexpected timeouts %s / %s", cfg.OracleTimeout, cfg.CacheTTL)
	}
	if cfg.MaxOrderQuantity != 100000 || cfg.MaxPositionQuantity != 0 {
		t.Errorf("unexpected limits %d / %d", cfg.MaxOrderQuantity, cfg.MaxPositionQuantity)
	}
	if cfg.OpeningBalance.String() != "10000" {
		t.Errorf("expected opening balance 10000, got %s", cfg.OpeningBalance)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.LogLevel)
	}
	if cfg.OraclePricePath != "$.regularMarketPrice" {
		t.Errorf("unexpected price path %s", cfg.OraclePricePath)
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg := LoadFrom(env(map[string]string{
		"PORT":                  "9090",
		"DATABASE_DRIVER":       "SQLite",
		"DATABASE_URL":          "file:ledger.db",
		"ORACLE_TIMEOUT":        "750ms",
		"SYMBOL_FILES":          "nasdaqlisted.txt, otherlisted.txt,",
		"MAX_POSITION_QUANTITY": "500",
		"OPENING_BALANCE":       "2500.50",
		"LOG_LEVEL":             "debug",
	}), discard)

	if cfg.Port != "9090" || cfg.DatabaseDriver != "sqlite" {
		t.Errorf("unexpected port/driver %s/%s", cfg.Port, cfg.DatabaseDriver)
	}
	if cfg.OracleTimeout != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %s", cfg.OracleTimeout)
	}
	if len(cfg.SymbolFiles) != 2 || cfg.SymbolFiles[1] != "otherlisted.txt" {
		t.Errorf("unexpected symbol files %v", cfg.SymbolFiles)
	}
	if cfg.MaxPositionQuantity != 500 {
		t.Errorf("expected position cap 500, got %d", cfg.MaxPositionQuantity)
	}
	if cfg.OpeningBalance.String() != "2500.5" {
		t.Errorf("expected 2500.5, got %s", cfg.OpeningBalance)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
}

func TestLoadFrom_DatabaseURLImpliesPgx(t *testing.T) {
	cfg := LoadFrom(env(map[string]string{"DATABASE_URL": "postgres://localhost/ledger"}), discard)
	if cfg.DatabaseDriver != "pgx" {
		t.Errorf("expected pgx, got %s", cfg.DatabaseDriver)
	}
}

func TestLoadFrom_InvalidValuesFallBack(t *testing.T) {
	cfg := LoadFrom(env(map[string]string{
		"DATABASE_DRIVER":    "oracle",
		"CACHE_TTL":          "soon",
		"ORACLE_TIMEOUT":     "-1s",
		"MAX_ORDER_QUANTITY": "lots",
		"OPENING_BALANCE":    "10.001",
		"LOG_LEVEL":          "chatty",
	}), discard)

	if cfg.DatabaseDriver != "memory" {
		t.Errorf("expected memory fallback, got %s", cfg.DatabaseDriver)
	}
	if cfg.CacheTTL != 30*time.Second || cfg.OracleTimeout != 5*time.Second {
		t.Errorf("expected default durations, got %s / %s", cfg.CacheTTL, cfg.OracleTimeout)
	}
	if cfg.MaxOrderQuantity != 100000 {
		t.Errorf("expected default ceiling, got %d", cfg.MaxOrderQuantity)
	}
	if cfg.OpeningBalance.String() != "10000" {
		t.Errorf("expected default opening balance, got %s", cfg.OpeningBalance)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
}
