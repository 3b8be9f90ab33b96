// Package money centralizes currency arithmetic conventions. All amounts in
// the engine are shopspring decimals; posting boundaries round to two
// decimal places, half up.
package money

import "github.com/shopspring/decimal"

// CurrencyPrecision is the number of decimal places carried on posted
// amounts.
const CurrencyPrecision = 2

var Zero = decimal.Zero

// Round rounds to currency precision, half away from zero, which for the
// non-negative amounts handled here is "round half up".
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPrecision)
}

func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func FromInt(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// IsZeroAtPrecision reports whether the amount rounds to zero at currency
// precision. Sub-cent residue is treated as zero when deciding whether a
// record is worth posting.
func IsZeroAtPrecision(d decimal.Decimal) bool {
	return Round(d).IsZero()
}

func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
