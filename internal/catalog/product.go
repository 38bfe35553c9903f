package catalog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Product is owned by the catalog; the order core reads it and writes only Stock.
type Product struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"seller_id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Published bool            `json:"published"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Purchasable reports whether qty units can be bought right now.
func (p Product) Purchasable(qty int) bool {
	return p.Published && p.Stock >= qty
}

type Reader interface {
	ListProducts(ctx context.Context) ([]Product, error)
}
