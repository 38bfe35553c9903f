package postgres

import (
	"context"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
)

type CartRepo struct{ s *Store }

func NewCartRepo(s *Store) CartRepo { return CartRepo{s: s} }

func (r CartRepo) GetOrCreate(ctx context.Context, userID string) (cart.Cart, error) {
	if _, err := ensureCart(ctx, r.s.DB, userID); err != nil {
		return cart.Cart{}, err
	}
	return loadCart(ctx, r.s.DB, userID, false)
}

func (r CartRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx cart.Tx) error) error {
	return r.s.inTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

type OrderRepo struct{ s *Store }

func NewOrderRepo(s *Store) OrderRepo { return OrderRepo{s: s} }

func (r OrderRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	return r.s.inTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r OrderRepo) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, r.s.DB, id, false)
}

func (r OrderRepo) ListByBuyer(ctx context.Context, buyerID string) ([]orders.Order, error) {
	return listOrders(ctx, r.s.DB, `SELECT `+orderCols+` FROM orders WHERE buyer_id=$1 ORDER BY created_at DESC`, buyerID)
}

func (r OrderRepo) ListBySeller(ctx context.Context, sellerID string) ([]orders.Order, error) {
	out, err := listOrders(ctx, r.s.DB, `
		SELECT `+orderCols+` FROM orders
		WHERE id IN (SELECT order_id FROM order_items WHERE seller_id=$1)
		ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = out[i].ItemsForSeller(sellerID)
	}
	return out, nil
}

func (r OrderRepo) ListAll(ctx context.Context) ([]orders.Order, error) {
	return listOrders(ctx, r.s.DB, `SELECT `+orderCols+` FROM orders ORDER BY created_at DESC`)
}

func (r OrderRepo) HasCompletedPurchase(ctx context.Context, buyerID, productID string) (bool, error) {
	var ok bool
	err := r.s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders o JOIN order_items i ON i.order_id = o.id
			WHERE o.buyer_id=$1 AND i.product_id=$2 AND o.status='COMPLETED'
		)`, buyerID, productID).Scan(&ok)
	return ok, err
}

type PaymentRepo struct{ s *Store }

func NewPaymentRepo(s *Store) PaymentRepo { return PaymentRepo{s: s} }

func (r PaymentRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx payments.Tx) error) error {
	return r.s.inTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r PaymentRepo) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, r.s.DB, id, false)
}

func (r PaymentRepo) ActivePayment(ctx context.Context, orderID string) (payments.Payment, bool, error) {
	return findPayment(ctx, r.s.DB, activePaymentWhere, orderID)
}

func (r PaymentRepo) LatestPayment(ctx context.Context, orderID string) (payments.Payment, error) {
	p, ok, err := findPayment(ctx, r.s.DB, `WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID)
	if err != nil {
		return payments.Payment{}, err
	}
	if !ok {
		return payments.Payment{}, apperr.NotFound("no payment found for order %s", orderID)
	}
	return p, nil
}
