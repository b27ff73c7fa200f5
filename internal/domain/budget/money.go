// Package budget defines the cost/token ledger types and the derived budget status.
package budget

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Money is a currency amount in micro-dollars. All ledger arithmetic is
// integer; floats only appear at the edges (metrics, percentages).
type Money int64

const microsPerUSD = 1_000_000

// fractionDigits is the number of decimal places Money can represent.
const fractionDigits = 6

// USD returns a whole-dollar amount.
func USD(dollars int64) Money {
	return Money(dollars * microsPerUSD)
}

// Cents returns an amount expressed in cents.
func Cents(cents int64) Money {
	return Money(cents * (microsPerUSD / 100))
}

// FromFloat converts a float dollar amount reported by an external
// collaborator, rounding to the nearest micro-dollar.
func FromFloat(dollars float64) Money {
	return Money(math.Round(dollars * microsPerUSD))
}

// Float64 returns the amount in dollars as a float (for metrics only).
func (m Money) Float64() float64 {
	return float64(m) / microsPerUSD
}

// String formats the amount as a decimal string with at least two and at
// most six fractional digits.
func (m Money) String() string {
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}
	whole := v / microsPerUSD
	frac := fmt.Sprintf("%06d", v%microsPerUSD)
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	s := strconv.FormatInt(whole, 10) + "." + frac
	if neg {
		return "-" + s
	}
	return s
}

// ParseMoney parses a decimal dollar string such as "12", "12.5",
// "-0.000125" or, as JSON numbers allow, "1.5e2".
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if strings.ContainsAny(s, "eE") {
		return parseExponent(s, neg)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if (whole == "" && frac == "") || !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > fractionDigits {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, fractionDigits)
	}
	var w int64
	if whole != "" {
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		if n > math.MaxInt64/microsPerUSD {
			return 0, fmt.Errorf("amount %q out of range", s)
		}
		w = n
	}
	var f int64
	if frac != "" {
		n, err := strconv.ParseInt(frac+strings.Repeat("0", fractionDigits-len(frac)), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		f = n
	}
	m := Money(w*microsPerUSD + f)
	if neg {
		m = -m
	}
	return m, nil
}

// parseExponent handles scientific notation exactly, without a float.
func parseExponent(s string, neg bool) (Money, error) {
	mantissa, exp, _ := strings.Cut(strings.ToLower(s), "e")
	whole, frac, _ := strings.Cut(mantissa, ".")
	exp = strings.TrimLeft(exp, "+-")
	if (whole == "" && frac == "") || !isDigits(whole) || !isDigits(frac) || exp == "" || !isDigits(exp) || len(exp) > 3 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	r.Mul(r, big.NewRat(microsPerUSD, 1))
	if !r.IsInt() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, fractionDigits)
	}
	n := r.Num()
	if !n.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	m := Money(n.Int64())
	if neg {
		m = -m
	}
	return m, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the amount as a JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return nil
	}
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// UnmarshalText lets Money be read from YAML scalars and env values.
func (m *Money) UnmarshalText(text []byte) error {
	v, err := ParseMoney(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
