package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits an amount may carry.
// Stores persist amounts as int64 micros (10^-6) to avoid floating point errors.
const AmountScale = 6

var (
	microsPerUnit = decimal.NewFromInt(1_000_000)

	// MaxAmount keeps any single amount representable as int64 micros.
	MaxAmount = decimal.NewFromInt(1_000_000_000_000)
)

// ValidateAmount checks that d is strictly positive, fits in AmountScale
// fractional digits and does not exceed MaxAmount.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero, got %s", ErrInvalidAmount, d.String())
	}
	if !d.Equal(d.Truncate(AmountScale)) {
		return fmt.Errorf("%w: more than %d decimal places in %s", ErrInvalidAmount, AmountScale, d.String())
	}
	if d.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s exceeds maximum %s", ErrInvalidAmount, d.String(), MaxAmount.String())
	}
	return nil
}

// ParseAmount parses a decimal string and validates it.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ToMicros converts a decimal amount to int64 micros, truncating beyond AmountScale.
func ToMicros(d decimal.Decimal) int64 {
	return d.Mul(microsPerUnit).IntPart()
}

// FromMicros converts int64 micros back to a decimal amount.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -AmountScale)
}
