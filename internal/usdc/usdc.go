// Package usdc provides fixed-point USDC parsing and formatting.
//
// USDC uses 6 decimal places. All amounts are carried as *big.Int in
// the smallest unit (1 USDC = 1,000,000 units, so 1 unit = 1 micro-USD).
package usdc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// UnitsPerCent is the number of atomic units in one US cent.
const UnitsPerCent = 10_000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - A leading "$" is accepted
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for package-level constants. It panics on bad input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("usdc: invalid amount %q", s))
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Dollars renders amount as a "$"-prefixed price with the given number of
// decimal places, rounding half away from zero ("$0.03", "$0.002750").
func Dollars(amount *big.Int, places int32) string {
	return "$" + ToDecimal(amount).StringFixed(places)
}

// ToDecimal converts atomic units to a decimal amount of USDC.
func ToDecimal(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -Decimals)
}

// FromDecimal converts a decimal USDC amount to atomic units. Precision
// beyond 6 places is truncated. Negative values are rejected.
func FromDecimal(d decimal.Decimal) (*big.Int, bool) {
	if d.IsNegative() {
		return nil, false
	}
	return d.Shift(Decimals).Truncate(0).BigInt(), true
}

// FromCents converts whole cents to atomic units.
func FromCents(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), big.NewInt(UnitsPerCent))
}

// Cents converts atomic units to whole cents, rounding down.
func Cents(amount *big.Int) int64 {
	if amount == nil {
		return 0
	}
	return new(big.Int).Quo(amount, big.NewInt(UnitsPerCent)).Int64()
}
