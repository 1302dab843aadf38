package trade_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/equity-ledger/internal/limits"
	"github.com/atmx/equity-ledger/internal/lots"
	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/oracle"
	"github.com/atmx/equity-ledger/internal/outcome"
	"github.com/atmx/equity-ledger/internal/store"
	"github.com/atmx/equity-ledger/internal/symbols"
	"github.com/atmx/equity-ledger/internal/trade"
)

// --- Buy ---

func TestBuy_OpensLotAndDebitsCash(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.Set("AAPL", "Apple Inc.", d("100"))

	res := env.buy(t, "AAPL", 5)

	if !res.Total.Equal(d("500")) {
		t.Errorf("expected total 500, got %s", res.Total)
	}
	if !res.Cash.Equal(d("500")) {
		t.Errorf("expected cash 500, got %s", res.Cash)
	}
	if res.State != model.Committed {
		t.Errorf("expected COMMITTED, got %s", res.State)
	}
	if !res.RealizedPnL.IsZero() {
		t.Errorf("buy should realize nothing, got %s", res.RealizedPnL)
	}
	if res.CompanyName != "Apple Inc." {
		t.Errorf("expected company name from oracle, got %q", res.CompanyName)
	}
	if res.Message != "Bought 5 AAPL at $100.00 for $500.00" {
		t.Errorf("unexpected message %q", res.Message)
	}

	h := env.holdings(t)
	if len(h.Lots) != 1 {
		t.Fatalf("expected 1 lot, got %d", len(h.Lots))
	}
	lot := h.Lots[0]
	if lot.Quantity != 5 || !lot.UnitCost.Equal(d("100")) || !lot.LastPrice.Equal(d("100")) {
		t.Errorf("unexpected lot %+v", lot)
	}

	trades := env.trades(t)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].LotID != lot.ID {
		t.Errorf("trade should reference lot %s, got %s", lot.ID, trades[0].LotID)
	}
	if trades[0].OrderID != res.OrderID {
		t.Errorf("trade should carry order id %s, got %s", res.OrderID, trades[0].OrderID)
	}
}

func TestBuy_NeverMergesLots(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 3)
	env.quotes.Set("AAPL", "", d("12"))
	env.buy(t, "AAPL", 4)

	h := env.holdings(t)
	if len(h.Lots) != 2 {
		t.Fatalf("expected 2 separate lots, got %d", len(h.Lots))
	}
	if h.Lots[0].Quantity != 3 || !h.Lots[0].UnitCost.Equal(d("10")) {
		t.Errorf("first lot should be 3@10, got %d@%s", h.Lots[0].Quantity, h.Lots[0].UnitCost)
	}
	if h.Lots[1].Quantity != 4 || !h.Lots[1].UnitCost.Equal(d("12")) {
		t.Errorf("second lot should be 4@12, got %d@%s", h.Lots[1].Quantity, h.Lots[1].UnitCost)
	}
}

func TestBuy_InsufficientFunds_NoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 10)
	before := env.snapshot(t)

	_, err := env.svc.Buy(context.Background(), "alice", "MSFT", 3) // 1200 > 900
	wantKind(t, err, outcome.InsufficientFunds)

	env.assertUnchanged(t, before)
}

func TestBuy_ExactCashAllowed(t *testing.T) {
	env := newTestEnv(t)
	res := env.buy(t, "AAPL", 100)
	if !res.Cash.IsZero() {
		t.Errorf("expected zero cash, got %s", res.Cash)
	}
}

func TestBuy_PositionLimit(t *testing.T) {
	mem := store.NewMemoryStore()
	env := newEnvOver(t, mem, mem, limits.NewOrderLimiter(0, 10))

	env.buy(t, "AAPL", 8)
	before := env.snapshot(t)

	_, err := env.svc.Buy(context.Background(), "alice", "AAPL", 3)
	wantKind(t, err, outcome.PositionLimit)
	env.assertUnchanged(t, before)

	env.buy(t, "AAPL", 2) // exactly at the cap
}

func TestBuy_RoundsQuoteToFourDigits(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.Set("AAPL", "", d("10.123456"))

	res := env.buy(t, "AAPL", 2)
	if !res.Price.Equal(d("10.1235")) {
		t.Errorf("expected price 10.1235, got %s", res.Price)
	}
	if !res.Total.Equal(d("20.247")) {
		t.Errorf("expected total 20.247, got %s", res.Total)
	}
}

// --- Validation ---

func TestOrder_Rejections(t *testing.T) {
	dir, err := symbols.NewDirectory("AAPL", "MSFT")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	env := newTestEnv(t, trade.WithDirectory(dir))

	tests := []struct {
		name   string
		side   model.Side
		user   string
		symbol string
		qty    int64
		want   outcome.Kind
	}{
		{"zero quantity", model.Buy, "alice", "AAPL", 0, outcome.InvalidQuantity},
		{"negative quantity", model.Sell, "alice", "AAPL", -5, outcome.InvalidQuantity},
		{"over ceiling", model.Buy, "alice", "AAPL", limits.DefaultMaxOrderQuantity + 1, outcome.InvalidQuantity},
		{"blank user", model.Buy, "", "AAPL", 1, outcome.UserNotFound},
		{"unknown user buy", model.Buy, "bob", "AAPL", 1, outcome.UserNotFound},
		{"unknown user sell", model.Sell, "bob", "AAPL", 1, outcome.UserNotFound},
		{"malformed symbol", model.Buy, "alice", "12$", 1, outcome.UnknownSymbol},
		{"unlisted symbol", model.Buy, "alice", "ZZZZ", 1, outcome.UnknownSymbol},
		{"nothing to sell", model.Sell, "alice", "AAPL", 1, outcome.InsufficientShares},
		{"bad side", model.Side(0), "alice", "AAPL", 1, outcome.InvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.snapshot(t)
			_, err := env.svc.Execute(context.Background(), tt.side, tt.user, tt.symbol, tt.qty)
			wantKind(t, err, tt.want)
			env.assertUnchanged(t, before)
		})
	}
}

func TestOrder_NormalizesSymbol(t *testing.T) {
	env := newTestEnv(t)
	res := env.buy(t, " aapl ", 1)
	if res.Symbol != "AAPL" {
		t.Errorf("expected AAPL, got %q", res.Symbol)
	}
}

// --- Oracle failures ---

func TestOrder_PriceUnavailable_NoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 5)
	before := env.snapshot(t)

	env.quotes.Fail("AAPL", oracle.ErrUnavailable)

	_, err := env.svc.Buy(context.Background(), "alice", "AAPL", 1)
	wantKind(t, err, outcome.PriceUnavailable)
	_, err = env.svc.Sell(context.Background(), "alice", "AAPL", 1)
	wantKind(t, err, outcome.PriceUnavailable)

	env.assertUnchanged(t, before)
}

func TestOrder_UnquotedSymbol(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Buy(context.Background(), "alice", "NVDA", 1)
	wantKind(t, err, outcome.PriceUnavailable)
}

func TestOrder_NonPositiveQuote(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.Set("AAPL", "", d("0.00001")) // rounds to zero

	_, err := env.svc.Buy(context.Background(), "alice", "AAPL", 1)
	wantKind(t, err, outcome.PriceUnavailable)
}

func TestOrder_QuoteTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores its context entirely.
	stuck := oracle.Func(func(context.Context, string) (oracle.Quote, error) {
		<-release
		return oracle.Quote{Price: d("1")}, nil
	})

	mem := store.NewMemoryStore()
	if err := mem.CreateAccount(context.Background(), "alice", d("100"), t0); err != nil {
		t.Fatalf("create account: %v", err)
	}
	svc := trade.NewService(mem, stuck, nil, nil,
		trade.WithQuoteTimeout(20*time.Millisecond), trade.WithLogger(quietLogger))

	start := time.Now()
	_, err := svc.Buy(context.Background(), "alice", "AAPL", 1)
	wantKind(t, err, outcome.PriceUnavailable)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("quote should be abandoned at the timeout, took %s", elapsed)
	}
}

// --- Sell ---

func TestSell_FIFOConsumesOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 10) // 10 @ 10
	env.quotes.Set("AAPL", "", d("20"))
	env.buy(t, "AAPL", 10) // 10 @ 20
	first := env.holdings(t).Lots[0]

	env.quotes.Set("AAPL", "", d("25"))
	res := env.sell(t, "AAPL", 12)

	if !res.Total.Equal(d("300")) {
		t.Errorf("expected proceeds 300, got %s", res.Total)
	}
	if !res.CostBasis.Equal(d("140")) { // 10*10 + 2*20
		t.Errorf("expected consumed basis 140, got %s", res.CostBasis)
	}
	if !res.RealizedPnL.Equal(d("160")) {
		t.Errorf("expected realized 160, got %s", res.RealizedPnL)
	}
	if !res.Cash.Equal(d("1000")) {
		t.Errorf("expected cash 1000, got %s", res.Cash)
	}

	if len(res.Trades) != 2 {
		t.Fatalf("expected one trade per consumed lot, got %d", len(res.Trades))
	}
	if res.Trades[0].LotID != first.ID || res.Trades[0].Quantity != 10 {
		t.Errorf("first fill should close lot %s, got %+v", first.ID, res.Trades[0])
	}
	if res.Trades[1].Quantity != 2 || !res.Trades[1].Total.Equal(d("50")) {
		t.Errorf("second fill should be 2 shares for 50, got %+v", res.Trades[1])
	}

	h := env.holdings(t)
	if len(h.Lots) != 1 {
		t.Fatalf("expected 1 remaining lot, got %d", len(h.Lots))
	}
	if h.Lots[0].Quantity != 8 || !h.Lots[0].UnitCost.Equal(d("20")) {
		t.Errorf("expected residual 8@20, got %d@%s", h.Lots[0].Quantity, h.Lots[0].UnitCost)
	}
}

func TestSell_ExactQuantityLeavesNoLots(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 4)
	env.buy(t, "AAPL", 6)
	env.sell(t, "AAPL", 10)

	h := env.holdings(t)
	if len(h.Lots) != 0 {
		t.Errorf("expected no lots, got %+v", h.Lots)
	}
	if !h.Cash.Equal(d("1000")) {
		t.Errorf("expected cash back to 1000, got %s", h.Cash)
	}
}

func TestSell_Oversell_NoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 5)
	before := env.snapshot(t)
	calls := env.quotes.Calls("AAPL")

	_, err := env.svc.Sell(context.Background(), "alice", "AAPL", 6)
	wantKind(t, err, outcome.InsufficientShares)

	env.assertUnchanged(t, before)
	if got := env.quotes.Calls("AAPL"); got != calls {
		t.Errorf("oracle should not be contacted for an oversell, calls %d -> %d", calls, got)
	}
}

func TestSell_ConcurrentOversell(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 10)

	const sellers = 8
	var wg sync.WaitGroup
	errs := make(chan error, sellers)
	for range sellers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Sell(context.Background(), "alice", "AAPL", 10)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, short := 0, 0
	for err := range errs {
		switch outcome.KindOf(err) {
		case outcome.KindUnknown:
			ok++
		case outcome.InsufficientShares:
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != sellers-1 {
		t.Errorf("expected 1 fill and %d InsufficientShares, got %d and %d", sellers-1, ok, short)
	}
	if lots := env.holdings(t).Lots; len(lots) != 0 {
		t.Errorf("expected no lots left, got %+v", lots)
	}
}

// --- Atomicity ---

func TestOrder_StoreFailureRollsBack(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &faultyStore{Store: mem}
	env := newEnvOver(t, fs, mem, nil)
	env.buy(t, "AAPL", 10)
	before := env.snapshot(t)

	fs.wrap = func(tx store.Tx) store.Tx { return failSetBalance{tx} }

	_, err := env.svc.Buy(context.Background(), "alice", "AAPL", 1)
	wantKind(t, err, outcome.StoreFailure)
	_, err = env.svc.Sell(context.Background(), "alice", "AAPL", 4)
	wantKind(t, err, outcome.StoreFailure)

	env.assertUnchanged(t, before)
}

func TestOrder_PanicBecomesStoreFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &faultyStore{Store: mem}
	env := newEnvOver(t, fs, mem, nil)
	before := env.snapshot(t)

	fs.wrap = func(tx store.Tx) store.Tx { return panicInsertTrade{tx} }

	_, err := env.svc.Buy(context.Background(), "alice", "AAPL", 1)
	wantKind(t, err, outcome.StoreFailure)
	env.assertUnchanged(t, before)

	// The store is usable afterwards.
	fs.wrap = nil
	env.buy(t, "AAPL", 1)
}

func TestSell_CorruptQueueIsLedgerInconsistency(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &faultyStore{Store: mem}
	env := newEnvOver(t, fs, mem, nil)
	env.buy(t, "AAPL", 5)
	before := env.snapshot(t)

	fs.wrap = func(tx store.Tx) store.Tx { return foreignLot{tx} }

	_, err := env.svc.Sell(context.Background(), "alice", "AAPL", 2)
	wantKind(t, err, outcome.LedgerInconsistency)
	env.assertUnchanged(t, before)
}

// --- Properties ---

func TestProperty_QuantityConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mem := store.NewMemoryStore()
		svc, quotes := newLedger(mem, nil)
		ctx := context.Background()
		if err := mem.CreateAccount(ctx, "alice", d("1000000"), t0); err != nil {
			t.Fatalf("create account: %v", err)
		}

		held := map[string]int64{}
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for range steps {
			sym := rapid.SampledFrom([]string{"AAPL", "MSFT"}).Draw(t, "symbol")
			qty := int64(rapid.IntRange(1, 20).Draw(t, "qty"))
			price := int64(rapid.IntRange(1, 500).Draw(t, "price"))
			quotes.Set(sym, "", decimal.NewFromInt(price))

			if rapid.Bool().Draw(t, "buy") {
				if _, err := svc.Buy(ctx, "alice", sym, qty); err != nil {
					t.Fatalf("buy: %v", err)
				}
				held[sym] += qty
				continue
			}
			_, err := svc.Sell(ctx, "alice", sym, qty)
			if qty > held[sym] {
				if outcome.KindOf(err) != outcome.InsufficientShares {
					t.Fatalf("oversell of %d (held %d) returned %v", qty, held[sym], err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("sell: %v", err)
			}
			held[sym] -= qty
		}

		h, err := mem.Holdings(ctx, "alice")
		if err != nil {
			t.Fatalf("holdings: %v", err)
		}
		queues := lots.GroupBySymbol(h.Lots)
		for _, sym := range []string{"AAPL", "MSFT"} {
			if got := lots.Held(queues[sym]); got != held[sym] {
				t.Fatalf("%s: lots hold %d, orders imply %d", sym, got, held[sym])
			}
		}
		if _, err := svc.Audit(ctx, "alice"); err != nil {
			t.Fatalf("audit: %v", err)
		}
	})
}
