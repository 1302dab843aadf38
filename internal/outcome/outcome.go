// Package outcome defines the typed failure results returned across the
// ledger core's boundary. Every failure carries a Kind that callers switch
// on and a human-readable message.
package outcome

import (
	"errors"
	"fmt"
)

// Kind classifies a failed operation.
type Kind int

const (
	KindUnknown Kind = iota
	InvalidQuantity
	InsufficientFunds
	InsufficientShares
	PriceUnavailable
	UserNotFound
	StoreFailure
	LedgerInconsistency
	UnknownSymbol
	InvalidAmount
	PositionLimit
	AccountExists
)

var kindNames = map[Kind]string{
	KindUnknown:         "Unknown",
	InvalidQuantity:     "InvalidQuantity",
	InsufficientFunds:   "InsufficientFunds",
	InsufficientShares:  "InsufficientShares",
	PriceUnavailable:    "PriceUnavailable",
	UserNotFound:        "UserNotFound",
	StoreFailure:        "StoreFailure",
	LedgerInconsistency: "LedgerInconsistency",
	UnknownSymbol:       "UnknownSymbol",
	InvalidAmount:       "InvalidAmount",
	PositionLimit:       "PositionLimit",
	AccountExists:       "AccountExists",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsBusiness reports whether the kind is an expected business outcome
// (a rejected order) rather than an infrastructure or integrity failure.
func (k Kind) IsBusiness() bool {
	switch k {
	case InvalidQuantity, InsufficientFunds, InsufficientShares,
		UnknownSymbol, InvalidAmount, PositionLimit, AccountExists, UserNotFound:
		return true
	}
	return false
}

// Sentinels for errors.Is matching. An *Error matches the sentinel of its kind.
var (
	ErrInvalidQuantity     = &Error{Kind: InvalidQuantity, Message: "invalid quantity"}
	ErrInsufficientFunds   = &Error{Kind: InsufficientFunds, Message: "insufficient funds"}
	ErrInsufficientShares  = &Error{Kind: InsufficientShares, Message: "insufficient shares"}
	ErrPriceUnavailable    = &Error{Kind: PriceUnavailable, Message: "price unavailable"}
	ErrUserNotFound        = &Error{Kind: UserNotFound, Message: "user not found"}
	ErrStoreFailure        = &Error{Kind: StoreFailure, Message: "store failure"}
	ErrLedgerInconsistency = &Error{Kind: LedgerInconsistency, Message: "ledger inconsistency"}
	ErrUnknownSymbol       = &Error{Kind: UnknownSymbol, Message: "unknown symbol"}
	ErrInvalidAmount       = &Error{Kind: InvalidAmount, Message: "invalid amount"}
	ErrPositionLimit       = &Error{Kind: PositionLimit, Message: "position limit exceeded"}
	ErrAccountExists       = &Error{Kind: AccountExists, Message: "account already exists"}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, may be nil
}

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, StoreFailure for unclassified non-nil
// errors and KindUnknown for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return StoreFailure
}

// MessageOf returns the human-readable message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
