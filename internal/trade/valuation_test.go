package trade_test

import (
	"context"
	"testing"

	"github.com/atmx/equity-ledger/internal/oracle"
	"github.com/atmx/equity-ledger/internal/outcome"
	"github.com/atmx/equity-ledger/internal/store"
)

func TestPortfolio_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.Set("AAPL", "Apple Inc.", d("100"))
	env.buy(t, "AAPL", 5)

	p, err := env.svc.Portfolio(context.Background(), "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if !p.Cash.Equal(d("500")) || !p.EquitiesValue.Equal(d("500")) || !p.TotalValue.Equal(d("1000")) {
		t.Errorf("expected 500 cash + 500 equities = 1000, got %s + %s = %s", p.Cash, p.EquitiesValue, p.TotalValue)
	}
	pos, ok := p.Positions["AAPL"]
	if !ok {
		t.Fatal("expected an AAPL position")
	}
	if pos.Quantity != 5 || !pos.AverageCost.Equal(d("100")) || pos.Stale {
		t.Errorf("unexpected position %+v", pos)
	}
	if !pos.UnrealizedPnL.IsZero() {
		t.Errorf("expected zero unrealized, got %s", pos.UnrealizedPnL)
	}
}

func TestPortfolio_RefreshesLastPrice(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.Set("AAPL", "", d("100"))
	env.buy(t, "AAPL", 5)
	env.quotes.Set("AAPL", "", d("120"))

	p, err := env.svc.Portfolio(context.Background(), "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	pos := p.Positions["AAPL"]
	if !pos.PositionValue.Equal(d("600")) || !pos.UnrealizedPnL.Equal(d("100")) {
		t.Errorf("expected value 600 and unrealized 100, got %s and %s", pos.PositionValue, pos.UnrealizedPnL)
	}
	if !p.TotalValue.Equal(d("1100")) {
		t.Errorf("expected total 1100, got %s", p.TotalValue)
	}

	lot := env.holdings(t).Lots[0]
	if !lot.LastPrice.Equal(d("120")) {
		t.Errorf("expected stored last price 120, got %s", lot.LastPrice)
	}
	if !lot.UnitCost.Equal(d("100")) {
		t.Errorf("valuation must not touch unit cost, got %s", lot.UnitCost)
	}
}

func TestPortfolio_AverageCostAcrossLots(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 10) // @10
	env.quotes.Set("AAPL", "", d("20"))
	env.buy(t, "AAPL", 10) // @20
	env.quotes.Set("AAPL", "", d("13"))
	env.buy(t, "AAPL", 1) // @13

	p, err := env.svc.Portfolio(context.Background(), "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	pos := p.Positions["AAPL"]
	if pos.Lots != 3 || pos.Quantity != 21 {
		t.Errorf("expected 21 shares in 3 lots, got %d in %d", pos.Quantity, pos.Lots)
	}
	if !pos.CostBasis.Equal(d("313")) {
		t.Errorf("expected basis 313, got %s", pos.CostBasis)
	}
	if !pos.AverageCost.Equal(d("14.9048")) { // 313/21 = 14.904761...
		t.Errorf("expected average cost 14.9048, got %s", pos.AverageCost)
	}
}

func TestPortfolio_StalePriceKeepsStoredValue(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.Set("AAPL", "", d("100"))
	env.buy(t, "AAPL", 2)
	env.buy(t, "MSFT", 1)
	env.quotes.Fail("AAPL", oracle.ErrUnavailable)
	env.quotes.Set("MSFT", "", d("450"))

	p, err := env.svc.Portfolio(context.Background(), "alice")
	if err != nil {
		t.Fatalf("valuation must not fail on oracle errors: %v", err)
	}

	aapl := p.Positions["AAPL"]
	if !aapl.Stale || !aapl.LastPrice.Equal(d("100")) {
		t.Errorf("AAPL should be stale at the stored 100, got stale=%v price=%s", aapl.Stale, aapl.LastPrice)
	}
	if _, ok := p.PriceErrors["AAPL"]; !ok {
		t.Error("expected AAPL in price errors")
	}
	msft := p.Positions["MSFT"]
	if msft.Stale || !msft.LastPrice.Equal(d("450")) {
		t.Errorf("MSFT should be fresh at 450, got stale=%v price=%s", msft.Stale, msft.LastPrice)
	}
	if !p.EquitiesValue.Equal(d("650")) {
		t.Errorf("expected equities 650, got %s", p.EquitiesValue)
	}
}

func TestPortfolio_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.buy(t, "AAPL", 7)
	env.buy(t, "MSFT", 1)
	ctx := context.Background()

	first, err := env.svc.Portfolio(ctx, "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	before := env.snapshot(t)
	second, err := env.svc.Portfolio(ctx, "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}

	if !first.TotalValue.Equal(second.TotalValue) || !first.CostBasis.Equal(second.CostBasis) {
		t.Errorf("repeated valuation differs: %s/%s vs %s/%s",
			first.TotalValue, first.CostBasis, second.TotalValue, second.CostBasis)
	}
	for sym, p1 := range first.Positions {
		p2 := second.Positions[sym]
		if p1.Quantity != p2.Quantity || !p1.PositionValue.Equal(p2.PositionValue) {
			t.Errorf("%s differs between snapshots: %+v vs %+v", sym, p1, p2)
		}
	}
	env.assertUnchanged(t, before)
}

func TestPortfolio_CashOnly(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.svc.Portfolio(context.Background(), "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(p.Positions) != 0 || !p.EquitiesValue.IsZero() || !p.TotalValue.Equal(d("1000")) {
		t.Errorf("expected cash-only snapshot worth 1000, got %+v", p)
	}
}

func TestPortfolio_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Portfolio(context.Background(), "bob")
	wantKind(t, err, outcome.UserNotFound)
}

func TestPortfolio_RefreshFailureIsNotFatal(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &faultyStore{Store: mem}
	env := newEnvOver(t, fs, mem, nil)
	env.buy(t, "AAPL", 3)
	env.quotes.Set("AAPL", "", d("11"))
	fs.refresh = errInjected

	p, err := env.svc.Portfolio(context.Background(), "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if pos := p.Positions["AAPL"]; !pos.LastPrice.Equal(d("11")) || pos.Stale {
		t.Errorf("snapshot should use the fresh quote, got %+v", pos)
	}
	if lot := env.holdings(t).Lots[0]; !lot.LastPrice.Equal(d("10")) {
		t.Errorf("failed refresh should leave stored price 10, got %s", lot.LastPrice)
	}
}
