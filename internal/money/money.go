// Package money provides the fixed-point amount type used for every
// monetary field. Amounts carry two fractional digits and are never
// represented as binary floating point.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits an Amount carries.
const Scale = 2

// IntegerDigits is how many digits the NUMERIC(20,2) columns keep left of
// the decimal point.
const IntegerDigits = 18

// limit is the smallest amount the columns cannot hold.
var limit = decimal.New(1, IntegerDigits)

// ErrInvalidAmount is returned for malformed, negative, over-precise or
// out-of-range amounts.
var ErrInvalidAmount = fmt.Errorf("invalid amount: %w", apperr.ErrInvalidArgument)

// Amount is an immutable fixed-point monetary value.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// Parse converts a decimal string such as "50.00" into an Amount.
// Negative values, values with more than Scale fractional digits and values
// of 10^IntegerDigits or more are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalidAmount
	}
	if d.Sign() < 0 {
		return Zero, ErrInvalidAmount
	}
	if !d.Equal(d.Round(Scale)) {
		return Zero, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, Scale)
	}
	if d.Cmp(limit) >= 0 {
		return Zero, fmt.Errorf("%w: at most %d integer digits", ErrInvalidAmount, IntegerDigits)
	}
	return Amount{d: d}, nil
}

// ParsePositive is Parse plus the > 0 requirement every ledger operation has.
func ParsePositive(s string) (Amount, error) {
	a, err := Parse(s)
	if err != nil {
		return Zero, err
	}
	if !a.IsPositive() {
		return Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return a, nil
}

// MustParse is Parse for constants and tests; it panics on bad input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("money: MustParse(%q): %v", s, err))
	}
	return a
}

// FromMinorUnits builds an Amount from an integer count of cents.
func FromMinorUnits(units int64) Amount {
	return Amount{d: decimal.New(units, -Scale)}
}

// MinorUnits returns the amount in cents.
func (a Amount) MinorUnits() int64 {
	return a.d.Shift(Scale).IntPart()
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }

func (a Amount) IsZero() bool { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// String renders the amount with exactly Scale fractional digits.
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// MarshalJSON encodes the amount as a JSON string ("50.00").
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a JSON string or a bare number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer for NUMERIC columns.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("money: scan: %w", err)
	}
	a.d = d
	return nil
}

// Sum adds up a list of amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
