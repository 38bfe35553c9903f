package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyer_id"`
	Status    Status          `json:"status"` // see status.go
	Total     decimal.Decimal `json:"total"`
	Items     []OrderItem     `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OrderItem is written once with its order and never mutated; prices are a
// snapshot taken at checkout.
type OrderItem struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	ProductID  string          `json:"product_id"`
	SellerID   string          `json:"seller_id"`
	Title      string          `json:"title"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Commission decimal.Decimal `json:"commission"`
	Payout     decimal.Decimal `json:"payout"`
}

func (it OrderItem) Subtotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// HasSeller reports whether userID sells at least one line of the order.
func (o Order) HasSeller(userID string) bool {
	for _, it := range o.Items {
		if it.SellerID == userID {
			return true
		}
	}
	return false
}

func (o Order) ItemsForSeller(sellerID string) []OrderItem {
	var out []OrderItem
	for _, it := range o.Items {
		if it.SellerID == sellerID {
			out = append(out, it)
		}
	}
	return out
}

func (o Order) CommissionTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.Commission)
	}
	return sum
}

func (o Order) PayoutTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.Payout)
	}
	return sum
}

// CheckTotals verifies total == Σ unitPrice*qty == Σ commission + Σ payout.
func (o Order) CheckTotals() error {
	lines := decimal.Zero
	for _, it := range o.Items {
		lines = lines.Add(it.Subtotal())
	}
	if !lines.Equal(o.Total) {
		return fmt.Errorf("order %s: total %s != sum of lines %s", o.ID, o.Total, lines)
	}
	if split := o.CommissionTotal().Add(o.PayoutTotal()); !split.Equal(o.Total) {
		return fmt.Errorf("order %s: commission+payout %s != total %s", o.ID, split, o.Total)
	}
	return nil
}
