// Package store defines the persistence interface for the equity ledger.
// Implementations include PostgreSQL via pgx (source of truth), PostgreSQL
// or SQLite via database/sql, a Redis read-through cache, and in-memory
// (for testing).
//
// All mutation happens inside InTx: one transaction per order, bound to one
// user, holding that user's balance row lock for its whole duration. Either
// every write of the callback is applied or none is.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/model"
)

var (
	// ErrNotFound is returned when the user has no balance row.
	ErrNotFound = errors.New("store: user not found")

	// ErrAccountExists is returned by CreateAccount for a known user.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrNegativeBalance is returned when a write would make cash negative.
	ErrNegativeBalance = errors.New("store: balance would be negative")

	// ErrEmptyLot is returned when a lot would be stored with zero or
	// fewer shares. Exhausted lots must be deleted.
	ErrEmptyLot = errors.New("store: lot quantity must be positive")

	// ErrLotNotFound is returned when updating or deleting an unknown lot.
	ErrLotNotFound = errors.New("store: lot not found")
)

// Store is the persistence interface. Every method is safe for concurrent use.
type Store interface {
	// CreateAccount creates the user's balance row with the opening cash.
	// A positive opening balance is recorded as a DEPOSIT.
	CreateAccount(ctx context.Context, userID string, cash decimal.Decimal, at time.Time) error

	// InTx runs fn in one transaction bound to userID. The balance row is
	// locked before fn runs; ErrNotFound is returned if it does not exist.
	// The transaction commits if fn returns nil and rolls back otherwise,
	// including when fn panics.
	InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error

	// --- Consistent reads ---

	// Holdings returns cash and all open lots of the user in one read,
	// lots ordered by symbol then oldest first.
	Holdings(ctx context.Context, userID string) (model.Holdings, error)

	// OpenLots returns the user's open lots of one symbol, oldest first,
	// without locking.
	OpenLots(ctx context.Context, userID, symbol string) ([]model.StoredLot, error)

	// Trades returns the user's trades in (executed_at, id) order.
	Trades(ctx context.Context, userID string, filter model.TimeFilter) ([]model.Trade, error)

	// CashTransactions returns the user's deposits and withdrawals in time order.
	CashTransactions(ctx context.Context, userID string, filter model.TimeFilter) ([]model.CashTransaction, error)

	// RefreshLastPrice sets last_price on every open lot of the symbol.
	RefreshLastPrice(ctx context.Context, userID, symbol string, price decimal.Decimal) error
}

// Tx is the write surface of one open transaction. It is bound to the user
// passed to InTx and must not be used after the callback returns.
type Tx interface {
	// Balance returns the locked cash balance, including writes made in
	// this transaction.
	Balance(ctx context.Context) (decimal.Decimal, error)

	// SetBalance overwrites the cash balance. Negative values are rejected
	// with ErrNegativeBalance.
	SetBalance(ctx context.Context, cash decimal.Decimal) error

	// Lots returns the open lots of symbol oldest first, locking them.
	Lots(ctx context.Context, symbol string) ([]model.StoredLot, error)

	// InsertLot stores a new lot and assigns its ID.
	InsertLot(ctx context.Context, lot model.NewLot) (model.StoredLot, error)

	// UpdateLotQuantity shrinks a partially consumed lot. A quantity of
	// zero or less is rejected with ErrEmptyLot.
	UpdateLotQuantity(ctx context.Context, lotID string, quantity int64) error

	// DeleteLot removes a fully consumed lot.
	DeleteLot(ctx context.Context, lotID string) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, trade model.Trade) error

	// InsertCashTransaction appends a deposit or withdrawal record.
	InsertCashTransaction(ctx context.Context, ct model.CashTransaction) error
}

// NewID returns a time-ordered identifier (UUIDv7) for trades, lots, orders
// and cash transactions.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// validLot rejects lots that must never be persisted.
func validLot(l model.Lot) error {
	if l.Quantity <= 0 {
		return ErrEmptyLot
	}
	return nil
}
