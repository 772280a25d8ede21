// Package money provides BiBank's non-negative fixed-point monetary type
// and the currency tag it is denominated in. No floating-point arithmetic
// appears anywhere in this package: every operation is backed by
// math/big.Int scaled to a fixed number of decimal places, the same
// no-float discipline the teacher applies in pkg/helpers/amount.go.
package money

import (
	"errors"
	"fmt"
	"math/big"
)

// Scale is the number of decimal places BiBank amounts are stored at
// internally, regardless of the currency's own display precision. Using
// one internal scale for every currency keeps posting arithmetic
// (additions/subtractions across postings of the same asset) exact without
// per-currency rescaling in the hot commit path.
const Scale = 18

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// ErrNegative is returned when an operation would produce a negative
// Amount. Amount has no representation for negative values; callers that
// need a signed delta use Posting.Side instead (see internal/ledger).
var ErrNegative = errors.New("money: negative amount")

// Amount is a non-negative fixed-point decimal value. The zero Amount is
// valid and represents zero.
type Amount struct {
	scaled *big.Int // value * 10^Scale
}

// Zero is the additive identity.
func Zero() Amount { return Amount{scaled: big.NewInt(0)} }

// FromInt64 builds an Amount from a whole-unit integer (e.g. FromInt64(5)
// is five whole units of whatever currency the caller associates it with).
func FromInt64(whole int64) (Amount, error) {
	if whole < 0 {
		return Amount{}, ErrNegative
	}
	return Amount{scaled: new(big.Int).Mul(big.NewInt(whole), scaleFactor)}, nil
}

// FromDecimalString parses a decimal string ("123.456") into an Amount.
// Rejects negative values, malformed input, and more fractional digits
// than Scale supports.
func FromDecimalString(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("money: empty amount string")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	} else if s[0] == '+' {
		s = s[1:]
	}
	if neg {
		return Amount{}, ErrNegative
	}

	whole := s
	frac := ""
	for i, c := range s {
		if c == '.' {
			whole = s[:i]
			frac = s[i+1:]
			break
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Scale {
		return Amount{}, fmt.Errorf("money: %q has more than %d fractional digits", s, Scale)
	}
	for len(frac) < Scale {
		frac += "0"
	}

	combined := whole + frac
	val, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return Amount{}, fmt.Errorf("money: invalid amount %q", s)
	}
	if val.Sign() < 0 {
		return Amount{}, ErrNegative
	}
	return Amount{scaled: val}, nil
}

// MustFromDecimalString is FromDecimalString but panics on error; useful
// for constant-like amounts in tests and default configuration.
func MustFromDecimalString(s string) Amount {
	a, err := FromDecimalString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the Amount as a decimal string with trailing fractional
// zeros trimmed (but at least one digit after the point is never forced;
// whole amounts render without a decimal point).
func (a Amount) String() string {
	v := a.value()
	neg := v.Sign() < 0 // never true by construction, kept for symmetry
	if neg {
		v = new(big.Int).Neg(v)
	}

	s := v.String()
	for len(s) <= Scale {
		s = "0" + s
	}
	cut := len(s) - Scale
	whole, frac := s[:cut], s[cut:]

	end := len(frac)
	for end > 0 && frac[end-1] == '0' {
		end--
	}
	frac = frac[:end]

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func (a Amount) value() *big.Int {
	if a.scaled == nil {
		return big.NewInt(0)
	}
	return a.scaled
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.value().Sign() == 0 }

// Cmp compares two amounts: -1 if a<b, 0 if equal, 1 if a>b.
func (a Amount) Cmp(b Amount) int { return a.value().Cmp(b.value()) }

// CheckedAdd returns a+b. Addition of two non-negative amounts can never
// underflow, so this never fails; it exists for API symmetry with
// CheckedSub and to keep all monetary arithmetic going through one
// reviewable surface.
func (a Amount) CheckedAdd(b Amount) Amount {
	return Amount{scaled: new(big.Int).Add(a.value(), b.value())}
}

// CheckedSub returns a-b, or ok=false if the result would be negative.
func (a Amount) CheckedSub(b Amount) (result Amount, ok bool) {
	diff := new(big.Int).Sub(a.value(), b.value())
	if diff.Sign() < 0 {
		return Amount{}, false
	}
	return Amount{scaled: diff}, true
}

// MulRat multiplies the amount by a rational numerator/denominator pair
// (used for fee/margin/liquidation-ratio math, e.g. amount * 1/10 for a
// 10% initial margin), rounding down (truncating) to Scale decimal places.
func (a Amount) MulRat(numerator, denominator int64) Amount {
	if denominator == 0 {
		return Zero()
	}
	v := new(big.Int).Mul(a.value(), big.NewInt(numerator))
	v.Div(v, big.NewInt(denominator))
	if v.Sign() < 0 {
		v = big.NewInt(0)
	}
	return Amount{scaled: v}
}

// Rat returns the amount as a big.Rat, for use in ratio comparisons
// (margin checks) where exact division is needed rather than truncated
// integer division.
func (a Amount) Rat() *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).Set(a.value()), new(big.Int).Set(scaleFactor))
}

// MarshalJSON renders the amount as a JSON string, matching the journal's
// "amount is a decimal string" external format (spec §6).
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("money: amount must be a JSON string, got %s", data)
	}
	parsed, err := FromDecimalString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
