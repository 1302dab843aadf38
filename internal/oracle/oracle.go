// Package oracle defines the price source the ledger trades against and its
// adapters: a fixed quote table for tests and development, and an HTTP
// adapter that extracts prices from a JSON quote endpoint.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when no price could be obtained.
	ErrUnavailable = errors.New("oracle: price unavailable")

	// ErrUnknownSymbol is returned when the source does not quote the symbol.
	ErrUnknownSymbol = errors.New("oracle: unknown symbol")
)

// Quote is a current market price for one symbol.
type Quote struct {
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"company_name"`
	Price       decimal.Decimal `json:"price"`
	At          time.Time       `json:"at"`
}

// Oracle returns the current price of a symbol. Implementations must honor
// ctx cancellation and must return an error rather than a non-positive price.
type Oracle interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Func adapts an ordinary function to the Oracle interface.
type Func func(ctx context.Context, symbol string) (Quote, error)

func (f Func) Quote(ctx context.Context, symbol string) (Quote, error) {
	return f(ctx, symbol)
}
