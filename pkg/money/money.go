// Package money converts between decimal currency strings and integer cents.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for strings that are not decimal numbers.
	ErrInvalidAmount = errors.New("invalid currency amount")
	// ErrPrecision is returned when an amount carries fractions of a cent.
	ErrPrecision = errors.New("currency amount must have at most two decimal places")
	// ErrNegative is returned for amounts below zero.
	ErrNegative = errors.New("currency amount must not be negative")
	// ErrTooLarge is returned when an amount or a derived total exceeds MaxCents.
	ErrTooLarge = errors.New("currency amount is too large")
)

// MaxCents bounds every amount and total at one trillion in currency units.
// Budget arithmetic over a handful of such values stays far inside int64.
const MaxCents int64 = 100_000_000_000_000

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(MaxCents)
)

// ParseCents converts strings such as "6.42", "$1,200" or "15" into cents.
func ParseCents(raw string) (int64, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if d.IsNegative() {
		return 0, ErrNegative
	}
	if !d.Equal(d.Truncate(2)) {
		return 0, ErrPrecision
	}
	cents := d.Mul(hundred)
	if cents.GreaterThan(maxCents) {
		return 0, fmt.Errorf("%w: %q", ErrTooLarge, raw)
	}
	return cents.IntPart(), nil
}

// MulCents returns quantity*cents, or ErrTooLarge when the product leaves
// [0, MaxCents]. Both operands must be non-negative.
func MulCents(quantity, cents int64) (int64, error) {
	if quantity < 0 || cents < 0 {
		return 0, ErrNegative
	}
	if quantity == 0 || cents == 0 {
		return 0, nil
	}
	if quantity > MaxCents/cents {
		return 0, ErrTooLarge
	}
	return quantity * cents, nil
}

// AddCents returns a+b, or ErrTooLarge when the sum exceeds MaxCents.
func AddCents(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegative
	}
	if a > MaxCents-b {
		return 0, ErrTooLarge
	}
	return a + b, nil
}

// FormatCents renders cents as a fixed two-decimal string, e.g. 1716 -> "17.16".
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
