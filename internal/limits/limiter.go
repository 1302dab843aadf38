// Package limits enforces order-size and position-size limits.
//
// The ceiling on a single order protects the ledger from fat-finger orders;
// the optional per-symbol position cap bounds how many shares of one symbol
// a user may hold after a buy.
package limits

import (
	"errors"
	"fmt"
)

// DefaultMaxOrderQuantity is the largest number of shares accepted in one order.
const DefaultMaxOrderQuantity int64 = 100000

var (
	// ErrNonPositiveQuantity is returned for an order of zero or fewer shares.
	ErrNonPositiveQuantity = errors.New("limits: quantity must be a positive integer")

	// ErrOrderTooLarge is returned when an order exceeds MaxOrderQuantity.
	ErrOrderTooLarge = errors.New("limits: order quantity exceeds ceiling")

	// ErrPositionLimitExceeded is returned when a buy would push the held
	// quantity of one symbol beyond MaxPositionQuantity.
	ErrPositionLimitExceeded = errors.New("limits: position limit exceeded")
)

// OrderLimiter enforces order and position limits.
type OrderLimiter struct {
	// MaxOrderQuantity is the maximum number of shares in a single order.
	MaxOrderQuantity int64

	// MaxPositionQuantity is the maximum number of shares of one symbol a
	// user may hold. Zero disables the cap.
	MaxPositionQuantity int64
}

// NewOrderLimiter creates a limiter. A non-positive order ceiling falls back
// to DefaultMaxOrderQuantity; a negative position cap is treated as no cap.
func NewOrderLimiter(maxOrder, maxPosition int64) *OrderLimiter {
	if maxOrder <= 0 {
		maxOrder = DefaultMaxOrderQuantity
	}
	if maxPosition < 0 {
		maxPosition = 0
	}
	return &OrderLimiter{
		MaxOrderQuantity:    maxOrder,
		MaxPositionQuantity: maxPosition,
	}
}

// CheckQuantity validates the size of a single order.
func (l *OrderLimiter) CheckQuantity(quantity int64) error {
	if quantity <= 0 {
		return ErrNonPositiveQuantity
	}
	if quantity > l.MaxOrderQuantity {
		return fmt.Errorf("%w: %d > %d", ErrOrderTooLarge, quantity, l.MaxOrderQuantity)
	}
	return nil
}

// CheckPosition validates that holding held shares and buying delta more
// stays within the position cap.
func (l *OrderLimiter) CheckPosition(held, delta int64) error {
	if l.MaxPositionQuantity == 0 || delta <= 0 {
		return nil
	}
	if held+delta > l.MaxPositionQuantity {
		return fmt.Errorf("%w: %d + %d > %d", ErrPositionLimitExceeded, held, delta, l.MaxPositionQuantity)
	}
	return nil
}
