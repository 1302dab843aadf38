package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/atmx/equity-ledger/internal/config"
	"github.com/atmx/equity-ledger/internal/oracle"
	"github.com/atmx/equity-ledger/internal/outcome"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestOpen_SQLiteEndToEnd(t *testing.T) {
	cfg := config.LoadFrom(func(k string) string {
		switch k {
		case "DATABASE_DRIVER":
			return "sqlite"
		case "DATABASE_URL":
			return filepath.Join(t.TempDir(), "ledger.db")
		case "STATIC_QUOTES":
			return "AAPL=100:Apple Inc."
		}
		return ""
	}, discard)

	ctx := context.Background()
	l, err := Open(ctx, cfg, discard, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	if _, err := l.Service.OpenAccount(ctx, "alice", nil); err != nil {
		t.Fatalf("open account: %v", err)
	}
	res, err := l.Service.Buy(ctx, "alice", "AAPL", 3)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.CompanyName != "Apple Inc." || !res.Cash.Equal(cfg.OpeningBalance.Sub(res.Total)) {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := l.Service.Audit(ctx, "alice"); err != nil {
		t.Errorf("audit: %v", err)
	}

	_, err = l.Service.Buy(ctx, "alice", "MSFT", 1)
	if outcome.KindOf(err) != outcome.PriceUnavailable {
		t.Errorf("expected PriceUnavailable for an unquoted symbol, got %v", err)
	}
}

func TestOracle_Selection(t *testing.T) {
	o, err := Oracle(config.Config{StaticQuotes: "AAPL=1"})
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	if _, ok := o.(*oracle.Static); !ok {
		t.Errorf("expected static oracle, got %T", o)
	}

	o, err = Oracle(config.Config{OracleURL: "http://quotes.local/{symbol}"})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if _, ok := o.(*oracle.HTTP); !ok {
		t.Errorf("expected HTTP oracle, got %T", o)
	}

	if _, err := Oracle(config.Config{StaticQuotes: "AAPL=free"}); err == nil {
		t.Error("expected an error for a malformed quote table")
	}
}
