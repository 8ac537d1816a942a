package staking

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the number of decimal places of the store token.
const DefaultDecimals int32 = 9

var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ParseAmount parses a human-unit decimal string. The value must be positive.
func ParseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	return amount, nil
}

// AmountFromFloat converts a JSON number into a decimal, rejecting NaN, the
// infinities and non-positive values.
func AmountFromFloat(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, fmt.Errorf("%w: amount must be finite", ErrInvalidAmount)
	}
	if v <= 0 {
		return decimal.Zero, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	return decimal.NewFromFloat(v), nil
}

// ToBaseUnits converts a human amount into smallest units, truncating any
// precision beyond decimals.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}
	units := amount.Shift(decimals).Truncate(0)
	if units.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("%w: amount overflows token units", ErrInvalidAmount)
	}
	return units.BigInt().Uint64(), nil
}

// FromBaseUnits converts smallest units into a human amount.
func FromBaseUnits(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals)
}
