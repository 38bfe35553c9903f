package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplit(t *testing.T) {
	cases := []struct {
		name       string
		rate       string
		price      string
		qty        int
		subtotal   string
		commission string
		payout     string
	}{
		{"ten percent", "0.10", "100", 2, "200", "20", "180"},
		{"fifteen percent", "0.15", "100", 2, "200", "30", "170"},
		{"rounds half up", "0.15", "33.33", 3, "99.99", "15", "84.99"},
		{"fractional cents", "0.10", "0.05", 1, "0.05", "0.01", "0.04"},
		{"sub-cent rounds down", "0.10", "0.04", 1, "0.04", "0", "0.04"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			calc := MustNew(d(c.rate))
			got := calc.Split(d(c.price), c.qty)

			assert.True(t, d(c.subtotal).Equal(got.Subtotal), "subtotal %s", got.Subtotal)
			assert.True(t, d(c.commission).Equal(got.Commission), "commission %s", got.Commission)
			assert.True(t, d(c.payout).Equal(got.Payout), "payout %s", got.Payout)
			assert.True(t, got.Commission.Add(got.Payout).Equal(got.Subtotal))
		})
	}
}

func TestNewRejectsOutOfRangeRates(t *testing.T) {
	for _, r := range []string{"0", "1", "-0.1", "1.5"} {
		_, err := New(d(r))
		require.ErrorIs(t, err, ErrInvalidRate, r)
	}
}
