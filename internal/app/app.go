// Package app wires configuration into a running ledger service. It is
// shared by the HTTP server and the ledgerctl command.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/atmx/equity-ledger/internal/config"
	"github.com/atmx/equity-ledger/internal/limits"
	"github.com/atmx/equity-ledger/internal/oracle"
	"github.com/atmx/equity-ledger/internal/store"
	"github.com/atmx/equity-ledger/internal/symbols"
	"github.com/atmx/equity-ledger/internal/trade"
)

// Ledger is a configured service and the resources behind it.
type Ledger struct {
	Service *trade.Service
	Store   store.Store
	close   func() error
}

// Close releases the store's connections.
func (l *Ledger) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// Open builds the store, price oracle, symbol directory and service
// described by cfg. hub may be nil.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, hub *trade.WSHub) (*Ledger, error) {
	st, closeStore, err := store.Open(ctx, store.Options{
		Driver:   cfg.DatabaseDriver,
		URL:      cfg.DatabaseURL,
		RedisURL: cfg.RedisURL,
		CacheTTL: cfg.CacheTTL,
		Migrate:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("store ready", "driver", cfg.DatabaseDriver, "cache", cfg.RedisURL != "")
	if cfg.DatabaseDriver == "memory" {
		logger.Warn("using in-memory store (data will not persist)")
	}

	quotes, err := Oracle(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	dir, err := symbols.LoadDirectory(cfg.SymbolFiles...)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("load symbol directory: %w", err)
	}
	if dir.Len() > 0 {
		logger.Info("symbol directory loaded", "symbols", dir.Len(), "files", len(cfg.SymbolFiles))
	}

	svc := trade.NewService(st, quotes,
		limits.NewOrderLimiter(cfg.MaxOrderQuantity, cfg.MaxPositionQuantity),
		hub,
		trade.WithDirectory(dir),
		trade.WithQuoteTimeout(cfg.OracleTimeout),
		trade.WithOpeningBalance(cfg.OpeningBalance),
		trade.WithLogger(logger),
	)
	return &Ledger{Service: svc, Store: st, close: closeStore}, nil
}

// Oracle returns the HTTP oracle when ORACLE_URL is set and the static
// quote table otherwise.
func Oracle(cfg config.Config) (oracle.Oracle, error) {
	if cfg.OracleURL != "" {
		return oracle.NewHTTP(cfg.OracleURL, cfg.OraclePricePath, cfg.OracleNamePath,
			&http.Client{Timeout: cfg.OracleTimeout}), nil
	}
	quotes, err := oracle.ParseStatic(cfg.StaticQuotes)
	if err != nil {
		return nil, fmt.Errorf("parse STATIC_QUOTES: %w", err)
	}
	return quotes, nil
}
