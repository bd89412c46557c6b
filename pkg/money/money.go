// Package money converts currency amounts between decimal and stored minor units.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every stored amount carries.
const Scale = 2

// ToMinor converts d to minor units. It rejects amounts with more precision than Scale.
func ToMinor(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Round(Scale)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d.String(), Scale)
	}
	return d.Shift(Scale).IntPart(), nil
}

// MustMinor is ToMinor for values already validated.
func MustMinor(d decimal.Decimal) int64 {
	m, err := ToMinor(d)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinor converts minor units back to a decimal amount.
func FromMinor(m int64) decimal.Decimal {
	return decimal.New(m, -Scale)
}

// Valid reports whether d is non-negative and fits Scale.
func Valid(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Round(Scale))
}
