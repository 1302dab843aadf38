// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side int

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide parses "BUY" or "SELL", ignoring case and surrounding space.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown side %q (expected BUY or SELL)", s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Trade is an immutable record of one executed fill. Once created, trades
// are never modified or deleted.
type Trade struct {
	ID          string          `json:"id" db:"trade_id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	CompanyName string          `json:"company_name" db:"company_name"`
	Side        Side            `json:"side" db:"side"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Total       decimal.Decimal `json:"total" db:"total"`   // price * quantity
	LotID       string          `json:"lot_id" db:"lot_id"` // lot opened (BUY) or consumed (SELL)
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// Lot holds the fields shared by persisted and unpersisted open lots.
type Lot struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	CompanyName string          `json:"company_name" db:"company_name"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	LastPrice   decimal.Decimal `json:"last_price" db:"last_price"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
}

// TotalValue is the remaining cost basis of the lot: quantity * unit cost.
func (l Lot) TotalValue() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(l.Quantity))
}

// NewLot is a lot that has not been written to the store yet.
type NewLot struct {
	Lot
}

// StoredLot is a lot loaded from, or assigned an identifier by, the store.
type StoredLot struct {
	ID string `json:"id" db:"lot_id"`
	Lot
}

// Holdings is a consistent read of one user's cash and open lots.
// Lots are ordered by symbol, then oldest first.
type Holdings struct {
	UserID string
	Cash   decimal.Decimal
	Lots   []StoredLot
}

// CashKind distinguishes deposits from withdrawals.
type CashKind string

const (
	Deposit  CashKind = "DEPOSIT"
	Withdraw CashKind = "WITHDRAW"
)

// CashTransaction records a deposit or withdrawal of free cash.
type CashTransaction struct {
	ID     string          `json:"id" db:"transaction_id"`
	UserID string          `json:"user_id" db:"user_id"`
	Kind   CashKind        `json:"kind" db:"kind"`
	Amount decimal.Decimal `json:"amount" db:"amount"`
	At     time.Time       `json:"at" db:"created_at"`
}

// TimeFilter restricts a history query to an inclusive time range.
// A nil bound is open.
type TimeFilter struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether t falls inside the filter.
func (f TimeFilter) Contains(t time.Time) bool {
	if f.Start != nil && t.Before(*f.Start) {
		return false
	}
	if f.End != nil && t.After(*f.End) {
		return false
	}
	return true
}

// IsZero reports whether the filter has no bounds.
func (f TimeFilter) IsZero() bool {
	return f.Start == nil && f.End == nil
}

// OrderState tracks an order through execution.
type OrderState int

const (
	Received OrderState = iota
	Priced
	TradeLogged
	LotsUpdated
	BalanceUpdated
	Committed
	Failed
)

var orderStateNames = [...]string{
	Received:       "RECEIVED",
	Priced:         "PRICED",
	TradeLogged:    "TRADE_LOGGED",
	LotsUpdated:    "LOTS_UPDATED",
	BalanceUpdated: "BALANCE_UPDATED",
	Committed:      "COMMITTED",
	Failed:         "FAILED",
}

func (s OrderState) String() string {
	if s < 0 || int(s) >= len(orderStateNames) {
		return "UNKNOWN"
	}
	return orderStateNames[s]
}

func (s OrderState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanAdvance reports whether next is a legal transition from s.
// FAILED is reachable from every non-terminal state.
func (s OrderState) CanAdvance(next OrderState) bool {
	if s == Committed || s == Failed {
		return false
	}
	if next == Failed {
		return true
	}
	return next == s+1
}

// TradeResult is returned for every committed order.
type TradeResult struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"company_name"`
	Side        Side            `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total"`
	CostBasis   decimal.Decimal `json:"cost_basis"`   // consumed basis (SELL) or lot basis (BUY)
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // zero for BUY
	Cash        decimal.Decimal `json:"cash"`         // balance after the order
	Trades      []Trade         `json:"trades"`
	State       OrderState      `json:"state"`
	Message     string          `json:"message"`
}

// Position is one per-symbol row of a portfolio snapshot.
type Position struct {
	Symbol        string          `json:"symbol"`
	CompanyName   string          `json:"company_name"`
	Quantity      int64           `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	LastPrice     decimal.Decimal `json:"last_price"`
	PositionValue decimal.Decimal `json:"position_value"` // quantity * last price
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // position value - cost basis
	Lots          int             `json:"lots"`
	Stale         bool            `json:"stale"` // last price not refreshed this snapshot
}

// Portfolio is a derived valuation snapshot; it is never persisted.
type Portfolio struct {
	UserID        string              `json:"user_id"`
	Cash          decimal.Decimal     `json:"cash"`
	Positions     map[string]Position `json:"positions"`
	EquitiesValue decimal.Decimal     `json:"equities_value"`
	TotalValue    decimal.Decimal     `json:"total_value"` // cash + equities
	CostBasis     decimal.Decimal     `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	PriceErrors   map[string]string   `json:"price_errors,omitempty"`
	AsOf          time.Time           `json:"as_of"`
}
