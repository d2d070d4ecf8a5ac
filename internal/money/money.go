// Package money converts between integer minor units (cents) and decimal
// major units. Amounts are stored and transmitted as cents; decimals only
// appear at the edges.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const Currency = "EUR"

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount to cents, rounding half away from zero.
func ToMinorUnits(major decimal.Decimal) int64 {
	return major.Mul(hundred).Round(0).IntPart()
}

func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// ParseMajor parses a textual amount such as "4.99" into cents.
func ParseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return ToMinorUnits(d), nil
}

// Format renders cents for display, e.g. 998 -> "€9.98".
func Format(cents int64) string {
	return "€" + FromMinorUnits(cents).StringFixed(2)
}

func ValidCurrency(currency string) bool {
	return strings.EqualFold(currency, Currency)
}
