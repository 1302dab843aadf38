// Package trade provides the business logic and HTTP handlers for
// executing buy/sell orders against the FIFO lot ledger, valuing
// portfolios, and querying history and cash movements.
//
// Every order runs as one store transaction that logs the trade, mutates
// the user's lots, and adjusts cash together; a failure at any point
// leaves all three untouched. All monetary values use shopspring/decimal,
// never float64 for money.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/limits"
	"github.com/atmx/equity-ledger/internal/oracle"
	"github.com/atmx/equity-ledger/internal/outcome"
	"github.com/atmx/equity-ledger/internal/store"
	"github.com/atmx/equity-ledger/internal/symbols"
)

// Defaults used when no option overrides them.
const (
	DefaultQuoteTimeout   = 5 * time.Second
	DefaultOpeningBalance = "10000.00"

	// PriceScale is the number of fractional digits kept from a quote.
	PriceScale int32 = 4

	// CashScale is the number of fractional digits accepted for deposits,
	// withdrawals and opening balances.
	CashScale int32 = 2

	// quoteConcurrency bounds parallel oracle calls during valuation.
	quoteConcurrency = 8
)

// Service executes orders and serves ledger reads. It holds no per-user
// state; serialization of one user's orders is the store's job.
type Service struct {
	store          store.Store
	quotes         oracle.Oracle
	limiter        *limits.OrderLimiter
	directory      *symbols.Directory
	hub            *WSHub // optional WebSocket hub for trade events
	quoteTimeout   time.Duration
	openingBalance decimal.Decimal
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDirectory restricts tradable symbols to the directory.
func WithDirectory(d *symbols.Directory) Option {
	return func(s *Service) { s.directory = d }
}

// WithQuoteTimeout bounds every oracle call.
func WithQuoteTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.quoteTimeout = d
		}
	}
}

// WithOpeningBalance sets the cash credited when an account is opened
// without an explicit amount.
func WithOpeningBalance(amount decimal.Decimal) Option {
	return func(s *Service) { s.openingBalance = amount }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, quotes oracle.Oracle, limiter *limits.OrderLimiter, hub *WSHub, opts ...Option) *Service {
	if limiter == nil {
		limiter = limits.NewOrderLimiter(limits.DefaultMaxOrderQuantity, 0)
	}
	s := &Service{
		store:          st,
		quotes:         quotes,
		limiter:        limiter,
		hub:            hub,
		quoteTimeout:   DefaultQuoteTimeout,
		openingBalance: decimal.RequireFromString(DefaultOpeningBalance),
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the current time at the precision every store keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// --- Error mapping ---

// storeError classifies an error returned by the store. Errors that are
// already classified pass through.
func storeError(err error, userID string) error {
	if err == nil {
		return nil
	}
	var oe *outcome.Error
	if errors.As(err, &oe) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return outcome.Wrap(outcome.UserNotFound, err, "user %s not found", userID)
	case errors.Is(err, store.ErrAccountExists):
		return outcome.Wrap(outcome.AccountExists, err, "account %s already exists", userID)
	case errors.Is(err, store.ErrNegativeBalance):
		return outcome.Wrap(outcome.InsufficientFunds, err, "balance of %s would go negative", userID)
	case errors.Is(err, store.ErrEmptyLot), errors.Is(err, store.ErrLotNotFound):
		return outcome.Wrap(outcome.LedgerInconsistency, err, "lot write rejected for %s", userID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcome.Wrap(outcome.StoreFailure, err, "request cancelled")
	default:
		return outcome.Wrap(outcome.StoreFailure, err, "store failure")
	}
}

// checkUser rejects a blank user ID before any store access.
func checkUser(userID string) error {
	if userID == "" {
		return outcome.New(outcome.UserNotFound, "user id is required")
	}
	return nil
}

// checkSymbol normalizes the symbol and verifies it is listed.
func (s *Service) checkSymbol(raw string) (string, error) {
	sym, err := s.directory.Check(raw)
	if err != nil {
		return "", outcome.Wrap(outcome.UnknownSymbol, err, "unknown symbol %q", raw)
	}
	return sym, nil
}

// checkAmount validates a cash amount: positive (or zero when allowZero)
// with at most CashScale fractional digits.
func checkAmount(amount decimal.Decimal, allowZero bool) error {
	if amount.IsNegative() || (!allowZero && amount.IsZero()) {
		return outcome.New(outcome.InvalidAmount, "amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Round(CashScale)) {
		return outcome.New(outcome.InvalidAmount, "amount %s has more than %d decimal places", amount, CashScale)
	}
	return nil
}
