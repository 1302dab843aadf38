package trade

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/lots"
	"github.com/atmx/equity-ledger/internal/metrics"
	"github.com/atmx/equity-ledger/internal/model"
	"github.com/atmx/equity-ledger/internal/outcome"
	"github.com/atmx/equity-ledger/internal/store"
)

// auditAttempts bounds how often Audit re-reads when writes race it.
const auditAttempts = 3

// CashResult is returned by Deposit and Withdraw.
type CashResult struct {
	Transaction model.CashTransaction `json:"transaction"`
	Cash        decimal.Decimal       `json:"cash"`
	Message     string                `json:"message"`
}

// SymbolAudit compares one symbol's open lots with its replayed trade log.
type SymbolAudit struct {
	Symbol          string          `json:"symbol"`
	HeldQuantity    int64           `json:"held_quantity"`
	ReplayQuantity  int64           `json:"replay_quantity"`
	HeldCostBasis   decimal.Decimal `json:"held_cost_basis"`
	ReplayCostBasis decimal.Decimal `json:"replay_cost_basis"`
	OK              bool            `json:"ok"`
	Problem         string          `json:"problem,omitempty"`
}

// AuditReport is the result of checking a user's lots and cash against the
// trade and cash logs.
type AuditReport struct {
	UserID       string          `json:"user_id"`
	Symbols      []SymbolAudit   `json:"symbols"`
	Cash         decimal.Decimal `json:"cash"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
	Trades       int             `json:"trades"`
	OK           bool            `json:"ok"`
	AsOf         time.Time       `json:"as_of"`
}

// History returns the user's trades in execution order, optionally limited
// to an inclusive time range.
func (s *Service) History(ctx context.Context, userID string, filter model.TimeFilter) ([]model.Trade, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	trades, err := s.store.Trades(ctx, userID, filter)
	if err != nil {
		return nil, storeError(err, userID)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// CashHistory returns the user's deposits and withdrawals in time order.
func (s *Service) CashHistory(ctx context.Context, userID string, filter model.TimeFilter) ([]model.CashTransaction, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	txns, err := s.store.CashTransactions(ctx, userID, filter)
	if err != nil {
		return nil, storeError(err, userID)
	}
	if txns == nil {
		txns = []model.CashTransaction{}
	}
	return txns, nil
}

// OpenAccount creates the user's balance row with the given opening cash.
// A nil amount opens with the configured default.
func (s *Service) OpenAccount(ctx context.Context, userID string, amount *decimal.Decimal) (*CashResult, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	cash := s.openingBalance
	if amount != nil {
		cash = *amount
	}
	if err := checkAmount(cash, true); err != nil {
		return nil, err
	}
	at := s.clock()
	if err := s.store.CreateAccount(ctx, userID, cash, at); err != nil {
		return nil, storeError(err, userID)
	}
	s.logger.Info("account opened", "user", userID, "cash", cash.String())
	return &CashResult{
		Transaction: model.CashTransaction{UserID: userID, Kind: model.Deposit, Amount: cash, At: at},
		Cash:        cash,
		Message:     fmt.Sprintf("Opened account %s with %s", userID, model.FormatMoney(cash)),
	}, nil
}

// Deposit adds free cash to the user's balance.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*CashResult, error) {
	return s.moveCash(ctx, userID, model.Deposit, amount)
}

// Withdraw removes free cash from the user's balance. Cash tied up in
// positions cannot be withdrawn.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*CashResult, error) {
	return s.moveCash(ctx, userID, model.Withdraw, amount)
}

func (s *Service) moveCash(ctx context.Context, userID string, kind model.CashKind, amount decimal.Decimal) (*CashResult, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkAmount(amount, false); err != nil {
		return nil, err
	}

	res := &CashResult{}
	err := s.store.InTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		cash, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		after := cash.Add(amount)
		if kind == model.Withdraw {
			if amount.GreaterThan(cash) {
				return outcome.New(outcome.InsufficientFunds, "cannot withdraw %s, cash is %s",
					model.FormatMoney(amount), model.FormatMoney(cash))
			}
			after = cash.Sub(amount)
		}
		txn := model.CashTransaction{
			ID:     store.NewID(),
			UserID: userID,
			Kind:   kind,
			Amount: amount,
			At:     s.clock(),
		}
		if err := tx.InsertCashTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, after); err != nil {
			return err
		}
		res.Transaction = txn
		res.Cash = after
		return nil
	})
	if err != nil {
		err = storeError(err, userID)
		s.logger.Info("cash movement rejected", "user", userID, "kind", string(kind), "amount", amount.String(), "err", err)
		return nil, err
	}

	verb := "Deposited"
	if kind == model.Withdraw {
		verb = "Withdrew"
	}
	res.Message = fmt.Sprintf("%s %s, cash is %s", verb, model.FormatMoney(amount), model.FormatMoney(res.Cash))
	s.logger.Info("cash moved", "user", userID, "kind", string(kind), "amount", amount.String(), "cash", res.Cash.String())
	return res, nil
}

// Audit replays the user's trade log under FIFO and checks that every open
// lot, and the cash balance, match what the logs imply. A mismatch returns
// the report together with a LedgerInconsistency error.
func (s *Service) Audit(ctx context.Context, userID string) (*AuditReport, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}

	snap, err := s.auditSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	replayed, err := lots.Replay(snap.trades)
	if err != nil {
		metrics.LedgerInconsistencies.Inc()
		return nil, outcome.Wrap(outcome.LedgerInconsistency, err, "trade log of %s does not replay", userID)
	}
	held := lots.GroupBySymbol(snap.holdings.Lots)

	report := &AuditReport{
		UserID:       userID,
		Cash:         snap.holdings.Cash,
		ExpectedCash: expectedCash(snap.trades, snap.cash),
		Trades:       len(snap.trades),
		OK:           true,
		AsOf:         s.clock(),
	}

	symbols := make(map[string]struct{}, len(held)+len(replayed))
	for sym := range held {
		symbols[sym] = struct{}{}
	}
	for sym := range replayed {
		symbols[sym] = struct{}{}
	}
	var problems []string
	for sym := range symbols {
		a := auditSymbol(sym, held[sym], replayed[sym])
		if !a.OK {
			report.OK = false
			problems = append(problems, sym+": "+a.Problem)
		}
		report.Symbols = append(report.Symbols, a)
	}
	sort.Slice(report.Symbols, func(i, j int) bool { return report.Symbols[i].Symbol < report.Symbols[j].Symbol })
	if report.Symbols == nil {
		report.Symbols = []SymbolAudit{}
	}

	if !report.Cash.Equal(report.ExpectedCash) {
		report.OK = false
		problems = append(problems, fmt.Sprintf("cash %s, logs imply %s", report.Cash, report.ExpectedCash))
	}

	if !report.OK {
		sort.Strings(problems)
		metrics.LedgerInconsistencies.Inc()
		s.logger.Error("audit failed", "user", userID, "problems", strings.Join(problems, "; "))
		return report, outcome.New(outcome.LedgerInconsistency, "audit of %s failed: %s", userID, strings.Join(problems, "; "))
	}
	s.logger.Info("audit passed", "user", userID, "trades", report.Trades, "symbols", len(report.Symbols))
	return report, nil
}

type auditSnap struct {
	trades   []model.Trade
	cash     []model.CashTransaction
	holdings model.Holdings
}

// auditSnapshot reads the logs and holdings as separate transactions on the
// uncached store. It retries until the logs are unchanged across the
// holdings read, so the three pieces describe the same ledger state.
func (s *Service) auditSnapshot(ctx context.Context, userID string) (auditSnap, error) {
	st := store.Uncached(s.store)
	for range auditAttempts {
		trades, cash, err := logs(ctx, st, userID)
		if err != nil {
			return auditSnap{}, err
		}
		h, err := st.Holdings(ctx, userID)
		if err != nil {
			return auditSnap{}, storeError(err, userID)
		}
		again, cashAgain, err := logs(ctx, st, userID)
		if err != nil {
			return auditSnap{}, err
		}
		if len(again) == len(trades) && len(cashAgain) == len(cash) {
			return auditSnap{trades: trades, cash: cash, holdings: h}, nil
		}
	}
	return auditSnap{}, outcome.New(outcome.StoreFailure, "ledger of %s kept changing during audit", userID)
}

func logs(ctx context.Context, st store.Store, userID string) ([]model.Trade, []model.CashTransaction, error) {
	trades, err := st.Trades(ctx, userID, model.TimeFilter{})
	if err != nil {
		return nil, nil, storeError(err, userID)
	}
	cash, err := st.CashTransactions(ctx, userID, model.TimeFilter{})
	if err != nil {
		return nil, nil, storeError(err, userID)
	}
	return trades, cash, nil
}

// expectedCash is deposits minus withdrawals minus buys plus sells.
func expectedCash(trades []model.Trade, cash []model.CashTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, c := range cash {
		if c.Kind == model.Withdraw {
			total = total.Sub(c.Amount)
		} else {
			total = total.Add(c.Amount)
		}
	}
	for _, t := range trades {
		if t.Side == model.Buy {
			total = total.Sub(t.Total)
		} else {
			total = total.Add(t.Total)
		}
	}
	return total
}

func auditSymbol(symbol string, held, replayed []model.StoredLot) SymbolAudit {
	a := SymbolAudit{
		Symbol:          symbol,
		HeldQuantity:    lots.Held(held),
		ReplayQuantity:  lots.Held(replayed),
		HeldCostBasis:   lots.CostBasis(held),
		ReplayCostBasis: lots.CostBasis(replayed),
		OK:              true,
	}
	switch {
	case a.HeldQuantity != a.ReplayQuantity:
		a.Problem = fmt.Sprintf("hold %d shares, trades imply %d", a.HeldQuantity, a.ReplayQuantity)
	case !a.HeldCostBasis.Equal(a.ReplayCostBasis):
		a.Problem = fmt.Sprintf("cost basis %s, trades imply %s", a.HeldCostBasis, a.ReplayCostBasis)
	case len(held) != len(replayed):
		a.Problem = fmt.Sprintf("%d open lots, trades imply %d", len(held), len(replayed))
	default:
		for i := range held {
			if held[i].ID != replayed[i].ID || held[i].Quantity != replayed[i].Quantity {
				a.Problem = fmt.Sprintf("lot %s holds %d, trades imply lot %s with %d",
					held[i].ID, held[i].Quantity, replayed[i].ID, replayed[i].Quantity)
				break
			}
		}
	}
	a.OK = a.Problem == ""
	return a
}
