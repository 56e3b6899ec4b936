// Package amount converts between on-chain base units and decimal text.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalid = errors.New("invalid amount")

// maxDigits is the number of decimal digits in 2^256-1.
const maxDigits = 78

// Parse reads a positive integer amount of base units. Decimal notation is
// accepted as long as it has no fractional part ("1e4", "10000.0").
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalid, s)
	}
	if err := checkMagnitude(d, s); err != nil {
		return nil, err
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("%w: %q has a fractional part", ErrInvalid, s)
	}
	return toUint256(d, s)
}

// ParseUnits reads a human amount ("1.5") and scales it by decimals.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsPositive() {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalid, s)
	}
	if err := checkMagnitude(scaled, s); err != nil {
		return nil, err
	}
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalid, s, decimals)
	}
	return toUint256(scaled, s)
}

// checkMagnitude bounds d by its exponent, before any big.Int the size of the
// exponent gets built.
func checkMagnitude(d decimal.Decimal, s string) error {
	digits := int64(d.NumDigits())
	exp := int64(d.Exponent())
	switch {
	case digits+exp > maxDigits:
		return fmt.Errorf("%w: %q exceeds uint256", ErrInvalid, s)
	case exp < -digits:
		return fmt.Errorf("%w: %q is below one base unit", ErrInvalid, s)
	}
	return nil
}

func toUint256(d decimal.Decimal, s string) (*big.Int, error) {
	v := d.BigInt()
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q exceeds uint256", ErrInvalid, s)
	}
	return v, nil
}

// Format renders base units with the token's decimals, trimming trailing
// zeros. A nil amount renders as the empty string.
func Format(units *big.Int, decimals uint8) string {
	if units == nil {
		return ""
	}
	return decimal.NewFromBigInt(units, -int32(decimals)).String()
}
