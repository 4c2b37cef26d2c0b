package scrapemeter

import (
	"fmt"
)

// Money is an amount in US cents. Ledger arithmetic is integer-only.
type Money int64

// USD creates a Money value from cents
func USD(cents int64) Money { return Money(cents) }

// Dollars creates a Money value from whole dollars
func Dollars(d int64) Money { return Money(d * 100) }

// Cents returns the amount in cents
func (m Money) Cents() int64 { return int64(m) }

// Float returns the amount in dollars. Use only for display and ratios.
func (m Money) Float() float64 { return float64(m) / 100 }

// IsZero reports whether the amount is zero
func (m Money) IsZero() bool { return m == 0 }

// Mul multiplies the amount by a quantity
func (m Money) Mul(qty int64) Money { return Money(int64(m) * qty) }

// String formats the amount in dollars, e.g. "$427.00"
func (m Money) String() string {
	c := int64(m)
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}

// Percent returns m as a percentage of target, capped at 100. A non-positive target yields 0.
func (m Money) Percent(target Money) float64 {
	if target <= 0 {
		return 0
	}
	p := float64(m) / float64(target) * 100
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
