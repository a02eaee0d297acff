package pricing

import (
	"github.com/cockroachdb/apd/v3"
)

var decimalCtx = apd.BaseContext.WithPrecision(34)

var thousand = apd.New(1000, 0)

// Amount is an exact decimal accumulator for USD values. Summing the same
// inputs in any order yields the same float64.
type Amount struct {
	value apd.Decimal
}

func NewAmount(v float64) Amount {
	var a Amount
	a.Add(v)
	return a
}

// Add accumulates v, using its shortest decimal representation.
func (a *Amount) Add(v float64) {
	if v == 0 {
		return
	}
	var d apd.Decimal
	if _, err := d.SetFloat64(v); err != nil {
		return
	}
	decimalCtx.Add(&a.value, &a.value, &d)
}

func (a *Amount) AddAmount(other Amount) {
	decimalCtx.Add(&a.value, &a.value, &other.value)
}

func (a Amount) Float64() float64 {
	f, err := a.value.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(&other.value)
}

func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

func (a Amount) String() string {
	return a.value.String()
}

// MulFloat returns a × f.
func (a Amount) MulFloat(f float64) Amount {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return Amount{}
	}
	var out Amount
	decimalCtx.Mul(&out.value, &a.value, &d)
	return out
}

// DivInt returns a / n. Division by zero yields zero.
func (a Amount) DivInt(n int64) Amount {
	if n == 0 {
		return Amount{}
	}
	var out Amount
	decimalCtx.Quo(&out.value, &a.value, apd.New(n, 0))
	return out
}

// Sub returns a - other.
func (a Amount) Sub(other Amount) Amount {
	var out Amount
	decimalCtx.Sub(&out.value, &a.value, &other.value)
	return out
}

// Div returns a / other. Division by zero yields zero.
func (a Amount) Div(other Amount) Amount {
	if other.value.IsZero() {
		return Amount{}
	}
	var out Amount
	decimalCtx.Quo(&out.value, &a.value, &other.value)
	return out
}

// Sum adds values exactly.
func Sum(values ...float64) float64 {
	var a Amount
	for _, v := range values {
		a.Add(v)
	}
	return a.Float64()
}

// Round returns v rounded to the given number of decimal places.
func Round(v float64, places int32) float64 {
	var d, out apd.Decimal
	if _, err := d.SetFloat64(v); err != nil {
		return v
	}
	if _, err := decimalCtx.Quantize(&out, &d, -places); err != nil {
		return v
	}
	f, err := out.Float64()
	if err != nil {
		return v
	}
	return f
}
