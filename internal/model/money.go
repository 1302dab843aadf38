package model

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is the single accounting currency of the ledger.
const Currency = money.USD

// CurrencyScale is the number of fractional digits of Currency.
const CurrencyScale = 2

// FormatMoney renders an amount for humans, e.g. "$1,234.50".
// The amount is rounded half away from zero to the currency's minor unit.
func FormatMoney(amount decimal.Decimal) string {
	cur := money.GetCurrency(Currency)
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
