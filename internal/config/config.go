// Package config loads process configuration from environment variables.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the resolved configuration of a ledger process.
type Config struct {
	Port string

	DatabaseDriver string // memory, pgx, postgres or sqlite
	DatabaseURL    string
	RedisURL       string
	CacheTTL       time.Duration

	OracleURL       string // template containing {symbol}
	OraclePricePath string
	OracleNamePath  string
	OracleTimeout   time.Duration
	StaticQuotes    string // SYMBOL=PRICE[:Name],... used when OracleURL is empty

	SymbolFiles []string

	MaxOrderQuantity    int64
	MaxPositionQuantity int64
	OpeningBalance      decimal.Decimal

	LogLevel slog.Level
}

// Load reads the configuration from the process environment.
func Load() Config {
	return LoadFrom(os.Getenv, slog.Default())
}

// LoadFrom reads the configuration through getenv. Invalid values are
// logged and replaced by their defaults.
func LoadFrom(getenv func(string) string, logger *slog.Logger) Config {
	l := loader{getenv: getenv, logger: logger}

	cfg := Config{
		Port:                l.str("PORT", "8080"),
		DatabaseDriver:      strings.ToLower(l.str("DATABASE_DRIVER", "")),
		DatabaseURL:         l.str("DATABASE_URL", ""),
		RedisURL:            l.str("REDIS_URL", ""),
		CacheTTL:            l.duration("CACHE_TTL", 30*time.Second),
		OracleURL:           l.str("ORACLE_URL", ""),
		OraclePricePath:     l.str("ORACLE_PRICE_PATH", "$.regularMarketPrice"),
		OracleNamePath:      l.str("ORACLE_NAME_PATH", "$.shortName"),
		OracleTimeout:       l.duration("ORACLE_TIMEOUT", 5*time.Second),
		StaticQuotes:        l.str("STATIC_QUOTES", ""),
		SymbolFiles:         l.list("SYMBOL_FILES"),
		MaxOrderQuantity:    l.int64("MAX_ORDER_QUANTITY", 100000),
		MaxPositionQuantity: l.int64("MAX_POSITION_QUANTITY", 0),
		OpeningBalance:      l.amount("OPENING_BALANCE", decimal.RequireFromString("10000.00")),
		LogLevel:            l.level("LOG_LEVEL", slog.LevelInfo),
	}

	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "memory"
		if cfg.DatabaseURL != "" {
			cfg.DatabaseDriver = "pgx"
		}
	}
	switch cfg.DatabaseDriver {
	case "memory", "pgx", "postgres", "sqlite":
	default:
		logger.Warn("unknown DATABASE_DRIVER, using memory", "value", cfg.DatabaseDriver)
		cfg.DatabaseDriver = "memory"
	}
	return cfg
}

type loader struct {
	getenv func(string) string
	logger *slog.Logger
}

func (l loader) str(name, def string) string {
	if v := strings.TrimSpace(l.getenv(name)); v != "" {
		return v
	}
	return def
}

func (l loader) list(name string) []string {
	var out []string
	for _, p := range strings.Split(l.getenv(name), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l loader) int64(name string, def int64) int64 {
	v := strings.TrimSpace(l.getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		l.logger.Warn("invalid integer, using default", "var", name, "value", v, "default", def)
		return def
	}
	return n
}

func (l loader) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(l.getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		l.logger.Warn("invalid duration, using default", "var", name, "value", v, "default", def.String())
		return def
	}
	return d
}

func (l loader) amount(name string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(l.getenv(name))
	if v == "" {
		return def
	}
	a, err := decimal.NewFromString(v)
	if err != nil || a.IsNegative() || !a.Equal(a.Round(2)) {
		l.logger.Warn("invalid amount, using default", "var", name, "value", v, "default", def.String())
		return def
	}
	return a
}

func (l loader) level(name string, def slog.Level) slog.Level {
	v := strings.TrimSpace(l.getenv(name))
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		l.logger.Warn("invalid log level, using default", "var", name, "value", v, "default", def.String())
		return def
	}
	return lvl
}
