// Package fixed holds prices and quantities as int64 ticks at 1e-8
// scale. Decimal strings only exist at the JSON boundary; everything
// inside the core is integer arithmetic.
package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the tick size: 1 unit = 1e-8.
const Scale = 8

var scaleFactor = decimal.New(1, Scale)

// Parse converts a decimal string into ticks. More than 8 decimal
// places is an error, not a rounding.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("bad decimal %q: %w", s, err)
	}
	if d.Exponent() < -Scale {
		return 0, fmt.Errorf("bad decimal %q: more than %d decimal places", s, Scale)
	}
	v := d.Mul(scaleFactor)
	if !v.IsInteger() {
		return 0, fmt.Errorf("bad decimal %q: more than %d decimal places", s, Scale)
	}
	return v.IntPart(), nil
}

func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders ticks as a decimal string with trailing zeros
// trimmed, "0" for zero.
func Format(v int64) string {
	return decimal.New(v, -Scale).String()
}

// FormatFull renders all 8 decimal places. Store keys use this so that
// the same price always maps to the same key.
func FormatFull(v int64) string {
	return decimal.New(v, -Scale).StringFixed(Scale)
}

func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
