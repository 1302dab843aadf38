package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/lots"
	"github.com/atmx/equity-ledger/internal/metrics"
	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/oracle"
	"github.com/atmx/equity-ledger/internal/outcome"
	"github.com/atmx/equity-ledger/internal/store"
)

// order is one buy or sell instruction moving through the executor.
type order struct {
	id       string
	side     model.Side
	userID   string
	symbol   string
	quantity int64
	state    model.OrderState
}

// advance moves the order to next. An illegal transition means the
// executor itself is broken.
func (o *order) advance(next model.OrderState) error {
	if !o.state.CanAdvance(next) {
		return outcome.New(outcome.LedgerInconsistency, "order %s: illegal transition %s -> %s", o.id, o.state, next)
	}
	o.state = next
	return nil
}

// Buy purchases quantity shares of symbol at the current oracle price and
// opens a new lot for them.
func (s *Service) Buy(ctx context.Context, userID, symbol string, quantity int64) (*model.TradeResult, error) {
	return s.execute(ctx, &order{side: model.Buy, userID: userID, symbol: symbol, quantity: quantity})
}

// Sell disposes of quantity shares of symbol at the current oracle price,
// consuming the user's lots oldest first.
func (s *Service) Sell(ctx context.Context, userID, symbol string, quantity int64) (*model.TradeResult, error) {
	return s.execute(ctx, &order{side: model.Sell, userID: userID, symbol: symbol, quantity: quantity})
}

// Execute dispatches on side.
func (s *Service) Execute(ctx context.Context, side model.Side, userID, symbol string, quantity int64) (*model.TradeResult, error) {
	switch side {
	case model.Buy:
		return s.Buy(ctx, userID, symbol, quantity)
	case model.Sell:
		return s.Sell(ctx, userID, symbol, quantity)
	default:
		return nil, outcome.New(outcome.InvalidQuantity, "side must be BUY or SELL")
	}
}

func (s *Service) execute(ctx context.Context, o *order) (res *model.TradeResult, err error) {
	start := time.Now()
	o.id = store.NewID()
	o.state = model.Received

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("order panicked", "order", o.id, "user", o.userID, "state", o.state.String(), "panic", fmt.Sprint(r))
			res, err = nil, outcome.New(outcome.StoreFailure, "order aborted: %v", r)
		}
		if err != nil {
			o.state = model.Failed
		}
		s.observe(o, res, err, time.Since(start))
	}()

	if err := checkUser(o.userID); err != nil {
		return nil, err
	}
	if err := s.limiter.CheckQuantity(o.quantity); err != nil {
		return nil, outcome.Wrap(outcome.InvalidQuantity, err, "quantity %d must be between 1 and %d", o.quantity, s.limiter.MaxOrderQuantity)
	}
	sym, err := s.checkSymbol(o.symbol)
	if err != nil {
		return nil, err
	}
	o.symbol = sym

	if o.side == model.Sell {
		// Reject an oversell before contacting the oracle. The check is
		// repeated under lock.
		open, err := s.store.OpenLots(ctx, o.userID, o.symbol)
		if err != nil {
			return nil, storeError(err, o.userID)
		}
		if held := lots.Held(open); held < o.quantity {
			return nil, outcome.New(outcome.InsufficientShares, "hold %d %s, cannot sell %d", held, o.symbol, o.quantity)
		}
	}

	q, err := s.quote(ctx, o.symbol)
	if err != nil {
		return nil, err
	}
	if err := o.advance(model.Priced); err != nil {
		return nil, err
	}

	if o.side == model.Buy {
		res, err = s.commitBuy(ctx, o, q)
	} else {
		res, err = s.commitSell(ctx, o, q)
	}
	if err != nil {
		return nil, storeError(err, o.userID)
	}
	if err := o.advance(model.Committed); err != nil {
		return nil, err
	}
	res.State = o.state
	return res, nil
}

func (s *Service) commitBuy(ctx context.Context, o *order, q oracle.Quote) (*model.TradeResult, error) {
	total := q.Price.Mul(decimal.NewFromInt(o.quantity))
	res := &model.TradeResult{
		OrderID: o.id, UserID: o.userID, Symbol: o.symbol, CompanyName: q.CompanyName,
		Side: model.Buy, Quantity: o.quantity, Price: q.Price, Total: total, CostBasis: total,
		RealizedPnL: decimal.Zero,
	}

	err := s.store.InTx(ctx, o.userID, func(ctx context.Context, tx store.Tx) error {
		cash, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		if total.GreaterThan(cash) {
			return outcome.New(outcome.InsufficientFunds, "buying %d %s costs %s, cash is %s",
				o.quantity, o.symbol, model.FormatMoney(total), model.FormatMoney(cash))
		}

		queue, err := tx.Lots(ctx, o.symbol)
		if err != nil {
			return err
		}
		if err := s.limiter.CheckPosition(lots.Held(queue), o.quantity); err != nil {
			metrics.PositionLimitRejections.Inc()
			return outcome.Wrap(outcome.PositionLimit, err, "position in %s would exceed %d shares", o.symbol, s.limiter.MaxPositionQuantity)
		}

		trade := model.Trade{
			ID:          store.NewID(),
			OrderID:     o.id,
			UserID:      o.userID,
			Symbol:      o.symbol,
			CompanyName: q.CompanyName,
			Side:        model.Buy,
			Price:       q.Price,
			Quantity:    o.quantity,
			Total:       total,
			ExecutedAt:  s.clock(),
		}
		newLot, err := lots.Open(queue, trade)
		if err != nil {
			return outcome.Wrap(outcome.LedgerInconsistency, err, "open lot for %s", o.symbol)
		}
		// The lot is written first so the trade can reference its ID.
		stored, err := tx.InsertLot(ctx, newLot)
		if err != nil {
			return err
		}
		trade.LotID = stored.ID
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		if err := o.advance(model.TradeLogged); err != nil {
			return err
		}
		if err := o.advance(model.LotsUpdated); err != nil {
			return err
		}

		after := cash.Sub(total)
		if err := tx.SetBalance(ctx, after); err != nil {
			return err
		}
		if err := o.advance(model.BalanceUpdated); err != nil {
			return err
		}

		res.Cash = after
		res.Trades = []model.Trade{trade}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Message = fmt.Sprintf("Bought %d %s at %s for %s", o.quantity, o.symbol,
		model.FormatMoney(q.Price), model.FormatMoney(total))
	return res, nil
}

func (s *Service) commitSell(ctx context.Context, o *order, q oracle.Quote) (*model.TradeResult, error) {
	res := &model.TradeResult{
		OrderID: o.id, UserID: o.userID, Symbol: o.symbol, CompanyName: q.CompanyName,
		Side: model.Sell, Quantity: o.quantity, Price: q.Price,
	}

	err := s.store.InTx(ctx, o.userID, func(ctx context.Context, tx store.Tx) error {
		cash, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		// Re-read under lock: a concurrent sell may have consumed lots
		// since the pre-check.
		queue, err := tx.Lots(ctx, o.symbol)
		if err != nil {
			return err
		}
		plan, err := lots.MatchSell(queue, o.quantity, q.Price)
		if errors.Is(err, lots.ErrInsufficientShares) {
			return outcome.Wrap(outcome.InsufficientShares, err, "hold %d %s, cannot sell %d", lots.Held(queue), o.symbol, o.quantity)
		}
		if err != nil {
			return s.inconsistency(o, err)
		}
		if err := lots.Verify(queue, plan); err != nil {
			return s.inconsistency(o, err)
		}

		at := s.clock()
		trades := make([]model.Trade, 0, len(plan.Fills))
		for _, f := range plan.Fills {
			trade := model.Trade{
				ID:          store.NewID(),
				OrderID:     o.id,
				UserID:      o.userID,
				Symbol:      o.symbol,
				CompanyName: companyName(q, queue),
				Side:        model.Sell,
				Price:       q.Price,
				Quantity:    f.Quantity,
				Total:       f.Proceeds,
				LotID:       f.LotID,
				ExecutedAt:  at,
			}
			if err := tx.InsertTrade(ctx, trade); err != nil {
				return err
			}
			trades = append(trades, trade)
		}
		if err := o.advance(model.TradeLogged); err != nil {
			return err
		}

		for _, id := range plan.Closed {
			if err := tx.DeleteLot(ctx, id); err != nil {
				return err
			}
		}
		for _, l := range plan.Updated {
			if err := tx.UpdateLotQuantity(ctx, l.ID, l.Quantity); err != nil {
				return err
			}
		}
		if err := o.advance(model.LotsUpdated); err != nil {
			return err
		}

		after := cash.Add(plan.Proceeds)
		if err := tx.SetBalance(ctx, after); err != nil {
			return err
		}
		if err := o.advance(model.BalanceUpdated); err != nil {
			return err
		}

		res.Total = plan.Proceeds
		res.CostBasis = plan.CostBasis
		res.RealizedPnL = plan.RealizedPnL
		res.Cash = after
		res.Trades = trades
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Message = fmt.Sprintf("Sold %d %s at %s for %s (realized %s)", o.quantity, o.symbol,
		model.FormatMoney(q.Price), model.FormatMoney(res.Total), model.FormatMoney(res.RealizedPnL))
	return res, nil
}

// inconsistency reports a failed invariant check. The order is aborted and
// nothing is committed.
func (s *Service) inconsistency(o *order, cause error) error {
	metrics.LedgerInconsistencies.Inc()
	s.logger.Error("ledger inconsistency, order aborted",
		"order", o.id,
		"user", o.userID,
		"symbol", o.symbol,
		"side", o.side.String(),
		"qty", o.quantity,
		"err", cause,
	)
	return outcome.Wrap(outcome.LedgerInconsistency, cause, "%s of %d %s failed verification", o.side, o.quantity, o.symbol)
}

// companyName prefers the oracle's name and falls back to the stored lot.
func companyName(q oracle.Quote, queue []model.StoredLot) string {
	if q.CompanyName != "" && q.CompanyName != q.Symbol {
		return q.CompanyName
	}
	for _, l := range queue {
		if l.CompanyName != "" {
			return l.CompanyName
		}
	}
	return q.Symbol
}

// --- Oracle ---

// quote fetches a price under the service's timeout. The call is abandoned
// at the deadline even if the oracle ignores its context.
func (s *Service) quote(ctx context.Context, symbol string) (oracle.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
	defer cancel()

	type result struct {
		q   oracle.Quote
		err error
	}
	done := make(chan result, 1)
	go func() {
		q, err := s.quotes.Quote(qctx, symbol)
		done <- result{q, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-qctx.Done():
		r.err = fmt.Errorf("%w: %v", oracle.ErrUnavailable, qctx.Err())
	}

	if r.err != nil {
		metrics.OracleFailures.Inc()
		return oracle.Quote{}, outcome.Wrap(outcome.PriceUnavailable, r.err, "no price for %s", symbol)
	}
	price := r.q.Price.Round(PriceScale)
	if !price.IsPositive() {
		metrics.OracleFailures.Inc()
		return oracle.Quote{}, outcome.New(outcome.PriceUnavailable, "oracle returned non-positive price %s for %s", r.q.Price, symbol)
	}
	r.q.Price = price
	r.q.Symbol = symbol
	if r.q.CompanyName == "" {
		r.q.CompanyName = symbol
	}
	return r.q, nil
}

// --- Observation ---

// observe logs, counts and publishes a finished order.
func (s *Service) observe(o *order, res *model.TradeResult, err error, elapsed time.Duration) {
	side := o.side.String()
	metrics.OrderLatency.WithLabelValues(side).Observe(elapsed.Seconds())

	if err != nil {
		kind := outcome.KindOf(err)
		metrics.OrdersTotal.WithLabelValues(side, kind.String()).Inc()
		attrs := []any{
			"order", o.id,
			"user", o.userID,
			"symbol", o.symbol,
			"side", side,
			"qty", o.quantity,
			"kind", kind.String(),
			"err", err,
		}
		switch {
		case kind.IsBusiness():
			s.logger.Info("order rejected", attrs...)
		case kind == outcome.LedgerInconsistency:
			s.logger.Error("order failed", attrs...)
		default:
			s.logger.Warn("order failed", attrs...)
		}
		return
	}

	metrics.OrdersTotal.WithLabelValues(side, "ok").Inc()
	metrics.SharesTraded.WithLabelValues(side).Add(float64(res.Quantity))
	s.logger.Info("order executed",
		"order", res.OrderID,
		"user", res.UserID,
		"symbol", res.Symbol,
		"side", side,
		"qty", res.Quantity,
		"price", res.Price.String(),
		"total", res.Total.String(),
		"realized_pnl", res.RealizedPnL.String(),
		"fills", len(res.Trades),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:     "trade_executed",
			OrderID:  res.OrderID,
			UserID:   res.UserID,
			Symbol:   res.Symbol,
			Side:     side,
			Quantity: res.Quantity,
			Price:    res.Price.String(),
			Total:    res.Total.String(),
			At:       tradeTime(res),
		})
	}
}

func tradeTime(res *model.TradeResult) time.Time {
	if len(res.Trades) > 0 {
		return res.Trades[0].ExecutedAt
	}
	return time.Time{}
}
