// Package money implements exact decimal arithmetic for the billing engine.
//
// The retrieved example corpus carries no third-party decimal library
// (shopspring/decimal, ericlagergren/decimal, cockroachdb/apd are all absent).
// Amounts are therefore represented as math/big.Rat values internally and
// quantized to a fixed number of fractional digits only at output boundaries
// (charge computation, ledger persistence), using half-up rounding. No value
// in this package ever passes through a float32/float64.
package money

import (
	"fmt"
	"math/big"
)

// Decimal is an exact rational amount. The zero value is zero.
type Decimal struct {
	r *big.Rat
}

// Zero returns the exact decimal zero.
func Zero() Decimal { return Decimal{r: new(big.Rat)} }

// FromInt64 builds an exact decimal from an integer count (e.g. a token count).
func FromInt64(n int64) Decimal {
	return Decimal{r: new(big.Rat).SetInt64(n)}
}

// FromString parses a decimal literal such as "3.0" or "0.011000" exactly.
func FromString(s string) (Decimal, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Decimal{}, fmt.Errorf("money: invalid decimal literal %q", s)
	}
	return Decimal{r: r}, nil
}

// MustFromString is FromString but panics on error; intended for package-level
// pricing-table literals known to be valid at compile time.
func MustFromString(s string) Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Decimal) rat() *big.Rat {
	if d.r == nil {
		return new(big.Rat)
	}
	return d.r
}

// Add returns d + other.
func (d Decimal) Add(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Add(d.rat(), other.rat())}
}

// Sub returns d - other.
func (d Decimal) Sub(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Sub(d.rat(), other.rat())}
}

// Mul returns d * other.
func (d Decimal) Mul(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Mul(d.rat(), other.rat())}
}

// Quo returns d / other. Panics if other is zero, matching big.Rat's contract;
// callers in this codebase only divide by the constant 1,000,000.
func (d Decimal) Quo(other Decimal) Decimal {
	return Decimal{r: new(big.Rat).Quo(d.rat(), other.rat())}
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	return Decimal{r: new(big.Rat).Neg(d.rat())}
}

// Sign returns -1, 0, or 1.
func (d Decimal) Sign() int {
	return d.rat().Sign()
}

// Cmp compares d to other, returning -1, 0, or 1.
func (d Decimal) Cmp(other Decimal) int {
	return d.rat().Cmp(other.rat())
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool { return d.Sign() == 0 }

// Max returns the larger of d and other.
func Max(a, b Decimal) Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// RoundingMode selects how Quantize breaks ties and truncates.
type RoundingMode int

const (
	// RoundHalfUp rounds ties away from zero (the mode spec.md mandates for
	// billing output: "quantized ... using banker's/half-up rounding").
	RoundHalfUp RoundingMode = iota
)

// Quantize rounds d to places fractional digits using the given mode and
// returns the result as an exact decimal whose denominator is a power of ten.
func (d Decimal) Quantize(places int, mode RoundingMode) Decimal {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)
	scaled := new(big.Rat).Mul(d.rat(), new(big.Rat).SetInt(scale))

	num := new(big.Int).Set(scaled.Num())
	den := new(big.Int).Set(scaled.Denom())

	neg := num.Sign() < 0
	if neg {
		num.Neg(num)
	}

	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		switch mode {
		case RoundHalfUp:
			// half-up away from zero: bump q if 2*rem >= den
			twice := new(big.Int).Lsh(rem, 1)
			if twice.Cmp(den) >= 0 {
				q.Add(q, big.NewInt(1))
			}
		}
	}

	if neg {
		q.Neg(q)
	}

	result := new(big.Rat).SetFrac(q, scale)
	return Decimal{r: result}
}

// String renders the decimal using the minimal exact representation
// (FloatString is not used at arbitrary precision; callers that need a fixed
// number of fractional digits should call Quantize first and use
// StringFixed).
func (d Decimal) String() string {
	return d.rat().RatString()
}

// StringFixed renders d with exactly places fractional digits, assuming d has
// already been quantized to that many places (or fewer). It never goes
// through float64.
func (d Decimal) StringFixed(places int) string {
	return d.rat().FloatString(places)
}

// Float64 is provided only for logging/metrics display; it MUST NOT be used
// anywhere in the charge-computation or ledger path.
func (d Decimal) Float64() float64 {
	f, _ := d.rat().Float64()
	return f
}
