// Package types provides common types used across the ledger.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrCurrencyMismatch is returned when two amounts in different currencies are combined.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")

	// ErrOverflow is returned when an operation would leave the int64 range.
	ErrOverflow = errors.New("money: amount overflow")
)

// Money represents a monetary value in the smallest currency unit.
// All arithmetic is integer-only and overflow-checked; there is no
// floating point anywhere in the ledger.
//
// Examples:
//   - THB(150000) = ฿1,500.00 (150000 satang)
//   - USD(4900)   = $49.00 (4900 cents)
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (satang, cents, ...)
	Currency string `json:"currency"` // ISO 4217 lowercase: "thb", "usd"
}

// New creates a Money value in the given currency.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// THB creates a Money value in Thai Baht (satang).
func THB(satang int64) Money { return Money{Amount: satang, Currency: "thb"} }

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Currency: strings.ToLower(currency)} }

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	sum, ok := addInt64(m.Amount, other.Amount)
	if !ok {
		return Money{}, errors.Wrapf(ErrOverflow, "%d + %d", m.Amount, other.Amount)
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// Sub returns m - other.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	if other.Amount == math.MinInt64 {
		return Money{}, errors.Wrapf(ErrOverflow, "%d - %d", m.Amount, other.Amount)
	}
	diff, ok := addInt64(m.Amount, -other.Amount)
	if !ok {
		return Money{}, errors.Wrapf(ErrOverflow, "%d - %d", m.Amount, other.Amount)
	}
	return Money{Amount: diff, Currency: m.Currency}, nil
}

// Mul multiplies the amount by an integer quantity.
func (m Money) Mul(qty int64) (Money, error) {
	if m.Amount == 0 || qty == 0 {
		return Money{Currency: m.Currency}, nil
	}
	product := m.Amount * qty
	if product/qty != m.Amount || (m.Amount == -1 && qty == math.MinInt64) || (qty == -1 && m.Amount == math.MinInt64) {
		return Money{}, errors.Wrapf(ErrOverflow, "%d * %d", m.Amount, qty)
	}
	return Money{Amount: product, Currency: m.Currency}, nil
}

// MustAdd is Add for values already known to be compatible. It panics on error.
func (m Money) MustAdd(other Money) Money {
	out, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return out
}

// MustSub is Sub for values already known to be compatible. It panics on error.
func (m Money) MustSub(other Money) Money {
	out, err := m.Sub(other)
	if err != nil {
		panic(err)
	}
	return out
}

// Min returns the smaller of two amounts. Currencies must match.
func (m Money) Min(other Money) Money {
	if m.Amount <= other.Amount {
		return m
	}
	return Money{Amount: other.Amount, Currency: m.Currency}
}

// ClampZero returns m, or zero when m is negative.
func (m Money) ClampZero() Money {
	if m.Amount < 0 {
		return Money{Currency: m.Currency}
	}
	return m
}

// Cmp returns -1, 0 or +1 comparing m to other by amount.
func (m Money) Cmp(other Money) int {
	switch {
	case m.Amount < other.Amount:
		return -1
	case m.Amount > other.Amount:
		return 1
	default:
		return 0
	}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both values have the same amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// FormatMajor returns the major unit string without currency symbol,
// e.g. "1500.00" for THB(150000) and "100" for JPY amounts.
func (m Money) FormatMajor() string {
	decimals := currencyDecimals(m.Currency)
	if decimals == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}

	divisor := uint64(1)
	for range decimals {
		divisor *= 10
	}

	// uint64 so that MinInt64 has a representable magnitude
	abs := uint64(m.Amount)
	sign := ""
	if m.Amount < 0 {
		abs = uint64(-(m.Amount + 1)) + 1
		sign = "-"
	}

	return fmt.Sprintf("%s%d.%0*d", sign, abs/divisor, decimals, abs%divisor)
}

// String returns a human-readable string with currency symbol, e.g. "฿1500.00".
func (m Money) String() string {
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = New(raw.Amount, raw.Currency)
	return nil
}

// Sum adds values in the given currency. An empty list sums to zero.
func Sum(currency string, values ...Money) (Money, error) {
	total := Zero(currency)
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return errors.Wrapf(ErrCurrencyMismatch, "%s != %s", m.Currency, other.Currency)
	}
	return nil
}

func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func currencySymbol(currency string) string {
	switch strings.ToLower(currency) {
	case "thb":
		return "฿"
	case "usd":
		return "$"
	case "eur":
		return "€"
	case "gbp":
		return "£"
	case "jpy":
		return "¥"
	case "sgd":
		return "S$"
	}
	return strings.ToUpper(currency) + " "
}

func currencyDecimals(currency string) int {
	switch strings.ToLower(currency) {
	case "jpy", "krw", "vnd", "idr", "clp", "pyg":
		return 0
	}
	return 2
}
