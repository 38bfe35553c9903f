package memstore

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
	var c cart.Cart
	err := r.s.inTx(ctx, func(t *tx) error {
		r.s.ensureCart(userID)
		c = r.s.loadCart(userID)
		return nil
	})
	return c, err
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
	return r.s.getOrder(id)
}

func (r OrderRepo) ListByBuyer(ctx context.Context, buyerID string) ([]orders.Order, error) {
	return r.s.listOrders(func(o orders.Order) (orders.Order, bool) {
		return o, o.BuyerID == buyerID
	}), nil
}

func (r OrderRepo) ListBySeller(ctx context.Context, sellerID string) ([]orders.Order, error) {
	return r.s.listOrders(func(o orders.Order) (orders.Order, bool) {
		items := o.ItemsForSeller(sellerID)
		o.Items = items
		return o, len(items) > 0
	}), nil
}

func (r OrderRepo) ListAll(ctx context.Context) ([]orders.Order, error) {
	return r.s.listOrders(func(o orders.Order) (orders.Order, bool) { return o, true }), nil
}

func (r OrderRepo) HasCompletedPurchase(ctx context.Context, buyerID, productID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.st.orders {
		if o.BuyerID != buyerID || o.Status != orders.StatusCompleted {
			continue
		}
		for _, it := range o.Items {
			if it.ProductID == productID {
				return true, nil
			}
		}
	}
	return false, nil
}

type PaymentRepo struct{ s *Store }

func NewPaymentRepo(s *Store) PaymentRepo { return PaymentRepo{s: s} }

func (r PaymentRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx payments.Tx) error) error {
	return r.s.inTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r PaymentRepo) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return r.s.getOrder(id)
}

func (r PaymentRepo) ActivePayment(ctx context.Context, orderID string) (payments.Payment, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.activePayment(orderID)
}

func (r PaymentRepo) LatestPayment(ctx context.Context, orderID string) (payments.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.st.payments) - 1; i >= 0; i-- {
		if p := r.s.st.payments[i]; p.OrderID == orderID {
			return p, nil
		}
	}
	return payments.Payment{}, apperr.NotFound("no payment found for order %s", orderID)
}

func (s *Store) getOrder(id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.orderIndex(id)
	if i < 0 {
		return orders.Order{}, apperr.NotFound("order %s not found", id)
	}
	o := s.st.orders[i]
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o, nil
}

// listOrders returns matches newest first.
func (s *Store) listOrders(match func(orders.Order) (orders.Order, bool)) []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []orders.Order{}
	for i := len(s.st.orders) - 1; i >= 0; i-- {
		o := s.st.orders[i]
		o.Items = append([]orders.OrderItem(nil), o.Items...)
		if o, ok := match(o); ok {
			out = append(out, o)
		}
	}
	return out
}
