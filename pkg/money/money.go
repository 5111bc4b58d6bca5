package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every Amount.
const Scale = 4

// Amount is a fixed-point monetary value with four fractional digits.
// Construct it from strings or integers, never from floats.
type Amount struct {
	d decimal.Decimal
}

func Zero() Amount {
	return Amount{}
}

// New builds an Amount from an integer value and exponent,
// e.g. New(50000, 0) = 50000.0000, New(1999, -2) = 19.99.
func New(value int64, exp int32) Amount {
	return Amount{d: decimal.New(value, exp)}
}

func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d: d.Round(Scale)}, nil
}

// MustFromString panics on malformed input. Use only with literals.
func MustFromString(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Scale)}
}

func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }

func (a Amount) Mul(b Amount) Amount {
	return Amount{d: a.d.Mul(b.d).Round(Scale)}
}

// Div rounds the quotient to the amount scale.
func (a Amount) Div(b Amount) Amount {
	return Amount{d: a.d.DivRound(b.d, Scale)}
}

func (a Amount) Cmp(b Amount) int          { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool       { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) IsPositive() bool          { return a.d.IsPositive() }
func (a Amount) IsNegative() bool          { return a.d.IsNegative() }
func (a Amount) IsZero() bool              { return a.d.IsZero() }

// String renders the amount with the full fixed scale, e.g. "5000.0000".
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// MarshalJSON serializes as a quoted string so precision survives transport.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	a.d = d.Round(Scale)
	return nil
}

// Value implements driver.Valuer; amounts are stored as NUMERIC text.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(value any) error {
	var d decimal.Decimal
	if err := d.Scan(value); err != nil {
		return fmt.Errorf("scan amount: %w", err)
	}
	a.d = d.Round(Scale)
	return nil
}

// GormDataType maps Amount columns to a fixed-point NUMERIC type.
func (Amount) GormDataType() string {
	return "numeric(18,4)"
}

// Sum adds the given amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
