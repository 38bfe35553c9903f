package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/inventory"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

// CreateOrderFromCart turns the buyer's cart into a PENDING order. Order insert,
// stock reservation and cart clearing share one transaction: either all of them
// are visible afterwards or none is.
func (s *Service) CreateOrderFromCart(ctx context.Context, buyerID string) (Order, error) {
	ctx, span := tracer.Start(ctx, "orders.checkout", trace.WithAttributes(attribute.String("buyer.id", buyerID)))
	defer span.End()
	log := logging.FromContext(ctx).With(zap.String("buyer_id", buyerID))

	var o Order
	err := s.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.LoadCart(ctx, buyerID)
		if err != nil {
			return err
		}
		if c.Empty() {
			return apperr.BadRequest("cart is empty")
		}
		for _, it := range c.Items {
			if err := validateLine(it); err != nil {
				return err
			}
		}

		o = s.buildOrder(buyerID, c)
		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := inventory.NewLedger(tx).ReserveAll(ctx, o.ID, o.ledgerLines()); err != nil {
			return err
		}
		if err := tx.ClearCart(ctx, c.ID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.Metrics.Checkout(strings.ToLower(apperr.KindOf(err).String()))
		log.Info("checkout_rejected", zap.Error(err))
		return Order{}, fmt.Errorf("orders: checkout: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", o.ID))
	s.Metrics.Checkout("created")
	if s.Cache != nil {
		s.Cache.SetOrderStatus(ctx, o.ID, string(o.Status))
	}
	s.Events.OrderCreated(ctx, o)
	log.Info("order_created",
		zap.String("order_id", o.ID),
		zap.String("total", o.Total.StringFixed(2)),
		zap.Int("lines", len(o.Items)),
	)
	return o, nil
}

func validateLine(it cart.Item) error {
	p := it.Product
	if p.ID == "" {
		return apperr.NotFound("product %s not found", it.ProductID)
	}
	if !p.Published {
		return apperr.Unavailable("product %q is no longer available", p.Title)
	}
	if p.Stock < it.Quantity {
		return apperr.InsufficientStock(p.Title, p.Stock, it.Quantity)
	}
	return nil
}

// buildOrder snapshots prices and computes each line's split exactly once.
func (s *Service) buildOrder(buyerID string, c cart.Cart) Order {
	now := s.now()
	o := Order{
		ID:        s.newID(),
		BuyerID:   buyerID,
		Status:    StatusPending,
		Total:     decimal.Zero,
		Items:     make([]OrderItem, 0, len(c.Items)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, it := range c.Items {
		split := s.Commission.Split(it.Product.Price, it.Quantity)
		o.Items = append(o.Items, OrderItem{
			ID:         s.newID(),
			OrderID:    o.ID,
			ProductID:  it.ProductID,
			SellerID:   it.Product.SellerID,
			Title:      it.Product.Title,
			Quantity:   it.Quantity,
			UnitPrice:  it.Product.Price,
			Commission: split.Commission,
			Payout:     split.Payout,
		})
		o.Total = o.Total.Add(split.Subtotal)
	}
	return o
}

func (o Order) ledgerLines() []inventory.Line {
	lines := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, inventory.Line{ProductID: it.ProductID, Title: it.Title, Quantity: it.Quantity})
	}
	return lines
}
