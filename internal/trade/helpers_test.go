package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/limits"
	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/oracle"
	"github.com/atmx/equity-ledger/internal/outcome"
	"github.com/atmx/equity-ledger/internal/store"
	"github.com/atmx/equity-ledger/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

// stepClock returns t0, t0+1m, t0+2m, ... on successive calls.
type stepClock struct {
	mu sync.Mutex
	n  int
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := t0.Add(time.Duration(c.n) * time.Minute)
	c.n++
	return t
}

type testEnv struct {
	svc    *trade.Service
	st     store.Store
	mem    *store.MemoryStore
	quotes *oracle.Static
	router chi.Router
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newQuotes returns AAPL at $10 and MSFT at $400.
func newQuotes() *oracle.Static {
	quotes := oracle.NewStatic()
	quotes.Set("AAPL", "Apple Inc.", d("10"))
	quotes.Set("MSFT", "Microsoft Corp.", d("400"))
	return quotes
}

// newLedger builds a service over st. It takes no *testing.T so property
// tests can use it.
func newLedger(st store.Store, limiter *limits.OrderLimiter, opts ...trade.Option) (*trade.Service, *oracle.Static) {
	quotes := newQuotes()
	clock := &stepClock{}
	base := []trade.Option{trade.WithClock(clock.Now), trade.WithLogger(quietLogger)}
	svc := trade.NewService(st, quotes, limiter, nil, append(base, opts...)...)
	return svc, quotes
}

// newTestEnv creates a service with in-memory store and chi router, and
// opens "alice" with $1,000.
func newTestEnv(t *testing.T, opts ...trade.Option) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	return newEnvOver(t, mem, mem, nil, opts...)
}

func newEnvOver(t *testing.T, st store.Store, mem *store.MemoryStore, limiter *limits.OrderLimiter, opts ...trade.Option) *testEnv {
	t.Helper()
	svc, quotes := newLedger(st, limiter, opts...)
	r := chi.NewRouter()
	svc.RegisterRoutes(r)

	amount := d("1000")
	if _, err := svc.OpenAccount(context.Background(), "alice", &amount); err != nil {
		t.Fatalf("open account: %v", err)
	}
	return &testEnv{svc: svc, st: st, mem: mem, quotes: quotes, router: r}
}

func (e *testEnv) buy(t *testing.T, symbol string, qty int64) *model.TradeResult {
	t.Helper()
	res, err := e.svc.Buy(context.Background(), "alice", symbol, qty)
	if err != nil {
		t.Fatalf("buy %d %s: %v", qty, symbol, err)
	}
	return res
}

func (e *testEnv) sell(t *testing.T, symbol string, qty int64) *model.TradeResult {
	t.Helper()
	res, err := e.svc.Sell(context.Background(), "alice", symbol, qty)
	if err != nil {
		t.Fatalf("sell %d %s: %v", qty, symbol, err)
	}
	return res
}

func (e *testEnv) holdings(t *testing.T) model.Holdings {
	t.Helper()
	h, err := e.st.Holdings(context.Background(), "alice")
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	return h
}

func (e *testEnv) trades(t *testing.T) []model.Trade {
	t.Helper()
	trades, err := e.st.Trades(context.Background(), "alice", model.TimeFilter{})
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	return trades
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantKind(t *testing.T, err error, kind outcome.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := outcome.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}

// ledgerState captures everything an order may change.
type ledgerState struct {
	cash   decimal.Decimal
	lots   []model.StoredLot
	trades int
}

func (e *testEnv) snapshot(t *testing.T) ledgerState {
	t.Helper()
	h := e.holdings(t)
	return ledgerState{cash: h.Cash, lots: h.Lots, trades: len(e.trades(t))}
}

func (e *testEnv) assertUnchanged(t *testing.T, before ledgerState) {
	t.Helper()
	after := e.snapshot(t)
	if !after.cash.Equal(before.cash) {
		t.Errorf("cash changed: %s -> %s", before.cash, after.cash)
	}
	if after.trades != before.trades {
		t.Errorf("trade count changed: %d -> %d", before.trades, after.trades)
	}
	if len(after.lots) != len(before.lots) {
		t.Fatalf("lot count changed: %d -> %d", len(before.lots), len(after.lots))
	}
	for i := range after.lots {
		if after.lots[i].ID != before.lots[i].ID || after.lots[i].Quantity != before.lots[i].Quantity {
			t.Errorf("lot %d changed: %+v -> %+v", i, before.lots[i], after.lots[i])
		}
	}
}

// --- Fault injection ---

var errInjected = errors.New("injected store failure")

// faultyStore wraps a store and lets tests corrupt or fail the Tx.
type faultyStore struct {
	store.Store
	wrap    func(store.Tx) store.Tx
	refresh error
}

func (f *faultyStore) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx store.Tx) error) error {
	return f.Store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		if f.wrap != nil {
			tx = f.wrap(tx)
		}
		return fn(ctx, tx)
	})
}

func (f *faultyStore) RefreshLastPrice(ctx context.Context, userID, symbol string, price decimal.Decimal) error {
	if f.refresh != nil {
		return f.refresh
	}
	return f.Store.RefreshLastPrice(ctx, userID, symbol, price)
}

type failSetBalance struct{ store.Tx }

func (failSetBalance) SetBalance(context.Context, decimal.Decimal) error { return errInjected }

type panicInsertTrade struct{ store.Tx }

func (panicInsertTrade) InsertTrade(context.Context, model.Trade) error { panic("disk on fire") }

// foreignLot smuggles another symbol's lot into the locked queue.
type foreignLot struct{ store.Tx }

func (f foreignLot) Lots(ctx context.Context, symbol string) ([]model.StoredLot, error) {
	queue, err := f.Tx.Lots(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return append(queue, model.StoredLot{
		ID:  "stray",
		Lot: model.Lot{UserID: "alice", Symbol: "ZZZ", Quantity: 1, UnitCost: d("1"), LastPrice: d("1")},
	}), nil
}
