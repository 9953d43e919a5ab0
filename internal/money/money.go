// Package money provides minor-unit currency parsing, formatting, and the
// platform fee split.
//
// All amounts inside the engine are int64 minor units (cents for USD).
// Decimal strings only appear at the HTTP edge.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitDigits is the number of fractional digits of a minor unit.
// Zero-decimal currencies (JPY, KRW) are not supported by this engine.
const MinorUnitDigits = 2

// BasisPoints is the denominator for fee rates (10000 bps = 100%).
const BasisPoints = 10000

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCurrency = errors.New("invalid currency")
	ErrInvalidRate     = errors.New("fee rate must be between 0 and 10000 basis points")
)

// Parse converts a major-unit decimal string (e.g. "100.00") into minor
// units (10000). Amounts with more precision than a minor unit are rejected
// rather than rounded, as are negative values.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	minor := d.Shift(MinorUnitDigits)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, MinorUnitDigits)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return minor.IntPart(), nil
}

// Format renders minor units as a major-unit string with exactly
// MinorUnitDigits decimals (10000 -> "100.00").
func Format(minor int64) string {
	return decimal.New(minor, -MinorUnitDigits).StringFixed(MinorUnitDigits)
}

// NormalizeCurrency upper-cases and validates an ISO-4217 style code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return code, nil
}

// Split is the result of applying the platform fee to a gross amount.
// Fee + Net == Gross always holds.
type Split struct {
	Gross int64 `json:"gross"`
	Fee   int64 `json:"fee"`
	Net   int64 `json:"net"`
}

// SplitFee computes the platform fee on gross at rateBps, rounding the fee
// half-up to the nearest minor unit. The payee receives the remainder, so
// no rounding residue is ever lost.
func SplitFee(gross int64, rateBps int64) (Split, error) {
	if gross < 0 {
		return Split{}, ErrInvalidAmount
	}
	if rateBps < 0 || rateBps > BasisPoints {
		return Split{}, ErrInvalidRate
	}
	// Exact rational product; Round(0) is half away from zero, which is
	// half-up for the non-negative values seen here.
	fee := decimal.NewFromInt(gross).
		Mul(decimal.NewFromInt(rateBps)).
		Div(decimal.NewFromInt(BasisPoints)).
		Round(0).
		IntPart()
	return Split{Gross: gross, Fee: fee, Net: gross - fee}, nil
}

// ParseRate parses a fee rate given either as basis points ("1000"), a
// percentage ("10%"), or a fraction ("0.10") into basis points.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	var d decimal.Decimal
	var err error
	switch {
	case strings.HasSuffix(s, "%"):
		d, err = decimal.NewFromString(strings.TrimSuffix(s, "%"))
		d = d.Shift(2)
	case strings.Contains(s, "."):
		d, err = decimal.NewFromString(s)
		d = d.Shift(4)
	default:
		d, err = decimal.NewFromString(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	if !d.IsInteger() || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(BasisPoints)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	return d.IntPart(), nil
}
