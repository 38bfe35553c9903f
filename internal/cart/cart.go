package cart

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
)

type Item struct {
	ProductID string
	Quantity  int
	Product   catalog.Product
	AddedAt   time.Time
}

// Cart never stores prices; they are resolved from Product on every read.
type Cart struct {
	ID        string
	UserID    string
	Items     []Item
	CreatedAt time.Time
}

func (c Cart) Empty() bool { return len(c.Items) == 0 }

type Line struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	SellerID  string          `json:"seller_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Available bool            `json:"available"`
}

// View is the derived, never-stored read model of a cart.
type View struct {
	CartID     string          `json:"cart_id"`
	UserID     string          `json:"user_id"`
	Items      []Line          `json:"items"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	TotalItems int             `json:"total_items"`
}

func Summarize(c Cart) View {
	v := View{CartID: c.ID, UserID: c.UserID, Items: make([]Line, 0, len(c.Items)), Subtotal: decimal.Zero}
	for _, it := range c.Items {
		sub := it.Product.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		v.Items = append(v.Items, Line{
			ProductID: it.ProductID,
			Title:     it.Product.Title,
			SellerID:  it.Product.SellerID,
			UnitPrice: it.Product.Price,
			Quantity:  it.Quantity,
			Subtotal:  sub,
			Available: it.Product.Purchasable(it.Quantity),
		})
		v.Subtotal = v.Subtotal.Add(sub)
		v.TotalItems += it.Quantity
	}
	return v
}
