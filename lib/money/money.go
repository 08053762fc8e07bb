// Package money converts amounts between the base units used on chain and the display units used by clients and
// limit checks.
package money

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimal counts.
const (
	USDCDecimals  int32 = 6
	EtherDecimals int32 = 18

	// MaxDigits is the number of decimal digits of the largest uint256 quantity.
	MaxDigits = 78
	maxBits   = 256
)

// Errors returned.
var (
	ErrNegative  = errors.New("amount must be positive")
	ErrPrecision = errors.New("amount has more decimals than the token supports")
	ErrParse     = errors.New("amount is not a valid decimal number")
	ErrRange     = errors.New("amount is out of range")
)

// InRange reports whether amount can be scaled to base units of decimals without exceeding a uint256. It only looks
// at the digit count and exponent, so it is cheap whatever the input.
func InRange(amount decimal.Decimal, decimals int32) bool {
	exp := int(amount.Exponent())
	if exp > MaxDigits || exp < -MaxDigits {
		return false
	}

	return amount.NumDigits()+exp+int(decimals) <= MaxDigits
}

// ToBaseUnits converts a display amount to base units. Amounts with more fractional digits than decimals are
// rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrNegative
	}

	if !InRange(amount, decimals) {
		return nil, ErrRange
	}

	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrPrecision
	}

	v := shifted.BigInt()
	if v.BitLen() > maxBits {
		return nil, ErrRange
	}

	return v, nil
}

// FromBaseUnits converts base units to a display amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(v, -decimals)
}

// Parse parses a display amount that must be strictly positive and fit the token's decimals.
func Parse(s string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrParse, s)
	}

	if !d.IsPositive() {
		return decimal.Zero, ErrNegative
	}

	if _, err = ToBaseUnits(d, decimals); err != nil {
		return decimal.Zero, err
	}

	return d, nil
}
