package trade

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/equity-ledger/internal/lots"
	"github.com/atmx/equity-ledger/internal/metrics"
	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/outcome"
)

// Portfolio values the user's holdings at current oracle prices.
//
// Each held symbol is quoted once. A successful quote refreshes last_price
// on the symbol's lots; a failed one leaves the stored price in place, marks
// the position stale and records the failure in PriceErrors. Valuation never
// fails because of the oracle.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	h, err := s.store.Holdings(ctx, userID)
	if err != nil {
		return nil, storeError(err, userID)
	}

	queues := lots.GroupBySymbol(h.Lots)
	prices := s.quoteAll(ctx, userID, queues)

	p := &model.Portfolio{
		UserID:        userID,
		Cash:          h.Cash,
		Positions:     make(map[string]model.Position, len(queues)),
		EquitiesValue: decimal.Zero,
		CostBasis:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		AsOf:          s.clock(),
	}
	for symbol, queue := range queues {
		lp := prices[symbol]
		sum := lots.Summarize(queue)
		value := lp.price.Mul(decimal.NewFromInt(sum.Quantity))
		pos := model.Position{
			Symbol:        symbol,
			CompanyName:   newest(queue).CompanyName,
			Quantity:      sum.Quantity,
			AverageCost:   sum.AverageCost,
			CostBasis:     sum.CostBasis,
			LastPrice:     lp.price,
			PositionValue: value,
			UnrealizedPnL: value.Sub(sum.CostBasis),
			Lots:          sum.Lots,
			Stale:         lp.err != "",
		}
		if lp.name != "" && lp.name != symbol {
			pos.CompanyName = lp.name
		}
		if lp.err != "" {
			if p.PriceErrors == nil {
				p.PriceErrors = make(map[string]string)
			}
			p.PriceErrors[symbol] = lp.err
		}
		p.Positions[symbol] = pos
		p.EquitiesValue = p.EquitiesValue.Add(value)
		p.CostBasis = p.CostBasis.Add(sum.CostBasis)
	}
	p.UnrealizedPnL = p.EquitiesValue.Sub(p.CostBasis)
	p.TotalValue = p.Cash.Add(p.EquitiesValue)
	return p, nil
}

type lastPrice struct {
	price decimal.Decimal
	name  string
	err   string // set when the stored price was kept
}

// quoteAll quotes every symbol with bounded parallelism and refreshes the
// stored last price of each one that succeeded.
func (s *Service) quoteAll(ctx context.Context, userID string, queues map[string][]model.StoredLot) map[string]lastPrice {
	symbols := make([]string, 0, len(queues))
	for sym := range queues {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var (
		mu  sync.Mutex
		out = make(map[string]lastPrice, len(symbols))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(quoteConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			lp := s.refresh(gctx, userID, sym, queues[sym])
			mu.Lock()
			out[sym] = lp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return an error
	return out
}

func (s *Service) refresh(ctx context.Context, userID, symbol string, queue []model.StoredLot) lastPrice {
	q, err := s.quote(ctx, symbol)
	if err != nil {
		metrics.ValuationRefreshes.WithLabelValues("stale").Inc()
		s.logger.Warn("valuation using stored price", "user", userID, "symbol", symbol, "err", err)
		return lastPrice{price: newest(queue).LastPrice, err: outcome.MessageOf(err)}
	}
	if err := s.store.RefreshLastPrice(ctx, userID, symbol, q.Price); err != nil {
		// The snapshot still uses the fresh quote.
		metrics.ValuationRefreshes.WithLabelValues("failed").Inc()
		s.logger.Warn("last price refresh failed", "user", userID, "symbol", symbol, "err", err)
	} else {
		metrics.ValuationRefreshes.WithLabelValues("ok").Inc()
	}
	return lastPrice{price: q.Price, name: q.CompanyName}
}

// newest returns the most recently opened lot of a non-empty queue.
func newest(queue []model.StoredLot) model.StoredLot {
	return queue[len(queue)-1]
}
