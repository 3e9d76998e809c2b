// Package amount provides fixed-point money amounts.
//
// Amounts are stored as int64 in micro-units (1.00 = 1,000,000) so that
// window sums compare exactly against thresholds. JSON accepts either a
// number or a decimal string; it always encodes as a number.
package amount

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

const Decimals = 6

const scale = 1_000_000

var (
	ErrInvalid  = errors.New("amount: invalid")
	ErrNegative = errors.New("amount: negative")
	ErrOverflow = errors.New("amount: overflow")
)

// Amount is a non-negative money value in micro-units.
type Amount int64

// FromUnits builds an Amount from a whole-unit integer.
func FromUnits(n int64) Amount {
	return Amount(n * scale)
}

// FromMinor converts minor units (e.g. cents) with the given number of
// decimal places to an Amount.
func FromMinor(minor int64, decimals int) (Amount, error) {
	if minor < 0 {
		return 0, ErrNegative
	}
	if decimals < 0 || decimals > Decimals {
		return 0, ErrInvalid
	}
	mul := int64(math.Pow10(Decimals - decimals))
	if minor > math.MaxInt64/mul {
		return 0, ErrOverflow
	}
	return Amount(minor * mul), nil
}

// Parse converts a decimal string (e.g. "1.50") to an Amount.
//
// Rules:
//   - Empty string is invalid
//   - Negative amounts are rejected
//   - Exponent notation is accepted ("1e3")
//   - Fractional digits beyond 6 are truncated
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}
	if strings.ContainsAny(s, "eE") {
		return parseFloat(s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalid
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalid
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	w, err := strconv.ParseUint(whole, 10, 63)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, ErrOverflow
		}
		return 0, ErrInvalid
	}
	f, err := strconv.ParseUint(frac, 10, 32)
	if err != nil {
		return 0, ErrInvalid
	}
	if w > uint64(math.MaxInt64/scale) {
		return 0, ErrOverflow
	}
	total := int64(w)*scale + int64(f)
	if total < 0 {
		return 0, ErrOverflow
	}
	return Amount(total), nil
}

func parseFloat(s string) (Amount, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, ErrOverflow
		}
		return 0, ErrInvalid
	}
	if f < 0 {
		return 0, ErrNegative
	}
	if math.IsInf(f, 0) || math.IsNaN(f) || f*scale >= math.MaxInt64 {
		return 0, ErrOverflow
	}
	return Amount(math.Round(f * scale)), nil
}

// Add returns a+b, saturating at the maximum representable value.
func (a Amount) Add(b Amount) Amount {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// String formats the amount with the minimal number of decimals
// (e.g. "1500", "0.25").
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / scale
	frac := v % scale
	s := strconv.FormatInt(whole, 10)
	if frac != 0 {
		fs := strconv.FormatInt(frac, 10)
		for len(fs) < Decimals {
			fs = "0" + fs
		}
		s += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}

// Float64 returns the amount as a float, for metrics only.
func (a Amount) Float64() float64 {
	return float64(a) / scale
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return ErrInvalid
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
