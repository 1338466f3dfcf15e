// Package money provides a fixed-point monetary amount tagged with a currency.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places stored in Minor.
// All supported currencies use two-decimal minor units.
const MinorUnitExponent = 2

var (
	// ErrInvalidAmount is returned when an amount string cannot be parsed.
	ErrInvalidAmount = errors.New("invalid monetary amount")

	// ErrTooPrecise is returned when an amount has more fractional digits than the minor unit allows.
	ErrTooPrecise = errors.New("amount has more precision than the currency minor unit")

	// ErrOutOfRange is returned, wrapped in ErrInvalidAmount, when an amount
	// does not fit in int64 minor units.
	ErrOutOfRange = errors.New("amount out of range")

	// ErrCurrencyMismatch is returned when combining amounts in different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// Money is an immutable amount expressed in minor units (cents) with an ISO currency code.
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// New returns a Money of minor units in the given currency.
func New(minor int64, currency string) Money {
	return Money{Minor: minor, Currency: normalizeCurrency(currency)}
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// FromDecimal converts a major-unit decimal (e.g. 42.00) into Money.
// Returns ErrTooPrecise if the value has sub-minor-unit precision and
// ErrInvalidAmount if it does not fit in int64 minor units.
func FromDecimal(d decimal.Decimal, currency string) (Money, error) {
	scaled := d.Shift(MinorUnitExponent)
	if !scaled.IsInteger() {
		return Money{}, ErrTooPrecise
	}
	if scaled.GreaterThan(maxMinor) || scaled.LessThan(minMinor) {
		return Money{}, fmt.Errorf("%w: %w: %s", ErrInvalidAmount, ErrOutOfRange, d.String())
	}
	return New(scaled.IntPart(), currency), nil
}

// Parse parses a major-unit string such as "42.00" into Money.
func Parse(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d, currency)
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Minor, -MinorUnitExponent)
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.Minor > 0
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(other Money) bool {
	return m.Minor == other.Minor && m.Currency == other.Currency
}

// Add returns m + other. Both must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Minor: m.Minor + other.Minor, Currency: m.Currency}, nil
}

// String formats the amount as "42.00 CAD".
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorUnitExponent) + " " + strings.ToUpper(m.Currency)
}

func normalizeCurrency(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
