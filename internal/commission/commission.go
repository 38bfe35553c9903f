// Package commission splits a sale line between the platform and the seller.
package commission

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidRate = errors.New("commission: rate must be between 0 and 1 (exclusive)")

// Places is the currency minor unit precision.
const Places = 2

type Calculator struct {
	rate decimal.Decimal
}

func New(rate decimal.Decimal) (Calculator, error) {
	if !rate.IsPositive() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Calculator{}, ErrInvalidRate
	}
	return Calculator{rate: rate}, nil
}

func MustNew(rate decimal.Decimal) Calculator {
	c, err := New(rate)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Calculator) Rate() decimal.Decimal { return c.rate }

type Split struct {
	Subtotal   decimal.Decimal
	Commission decimal.Decimal
	Payout     decimal.Decimal
}

// Split rounds the commission and derives the payout by subtraction, so
// Commission + Payout == Subtotal exactly.
func (c Calculator) Split(unitPrice decimal.Decimal, qty int) Split {
	subtotal := unitPrice.Mul(decimal.NewFromInt(int64(qty)))
	fee := subtotal.Mul(c.rate).Round(Places)
	return Split{
		Subtotal:   subtotal,
		Commission: fee,
		Payout:     subtotal.Sub(fee),
	}
}
