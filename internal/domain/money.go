package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits a Money value may carry.
const MoneyScale = 2

// maxMoney is the largest representable amount: 999,999,999,999,999.99.
var maxMoney = decimal.RequireFromString("999999999999999.99")

// Money is an exact, non-negative decimal amount with at most two fractional
// digits. The zero value is 0.00.
type Money struct {
	d decimal.Decimal
}

// NewMoney validates d and wraps it.
func NewMoney(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidAmount)
	}
	if -d.Exponent() > MoneyScale && !d.Equal(d.Truncate(MoneyScale)) {
		return Money{}, fmt.Errorf("%w: at most %d decimal places allowed", ErrInvalidAmount, MoneyScale)
	}
	if d.GreaterThan(maxMoney) {
		return Money{}, fmt.Errorf("%w: amount exceeds maximum", ErrInvalidAmount)
	}
	return Money{d: d.Truncate(MoneyScale)}, nil
}

// ParseMoney parses a decimal string such as "100.00".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, s)
	}
	return NewMoney(d)
}

// MustMoney is ParseMoney for literals. It panics on invalid input.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return m.d }

// Add returns m+o, failing with ErrOverflow above the representable maximum.
func (m Money) Add(o Money) (Money, error) {
	sum := m.d.Add(o.d)
	if sum.GreaterThan(maxMoney) {
		return Money{}, ErrOverflow
	}
	return Money{d: sum}, nil
}

// Sub returns m-o, failing with ErrUnderflow if the result would be negative.
func (m Money) Sub(o Money) (Money, error) {
	diff := m.d.Sub(o.d)
	if diff.IsNegative() {
		return Money{}, ErrUnderflow
	}
	return Money{d: diff}, nil
}

func (m Money) IsPositive() bool { return m.d.IsPositive() }
func (m Money) IsZero() bool { return m.d.IsZero() }

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) String() string { return m.d.StringFixed(MoneyScale) }
func (m Money) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// UnmarshalJSON accepts both "12.34" and 12.34.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
