package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/commission"
	"github.com/ariefcatur/go-marketplace-orders/internal/identity"
	"github.com/ariefcatur/go-marketplace-orders/internal/inventory"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/metrics"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-marketplace-orders/internal/orders")

type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id string) (Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	// ListBySeller returns orders holding at least one of the seller's items,
	// each carrying only those items.
	ListBySeller(ctx context.Context, sellerID string) ([]Order, error)
	ListAll(ctx context.Context) ([]Order, error)
	HasCompletedPurchase(ctx context.Context, buyerID, productID string) (bool, error)
}

// Mutator is the tx-scoped subset needed to move an order between statuses.
type Mutator interface {
	inventory.Store
	SetOrderStatus(ctx context.Context, orderID string, status Status, at time.Time) error
	// CancelOpenPayments marks PENDING payments of the order CANCELLED.
	CancelOpenPayments(ctx context.Context, orderID string) error
}

type Tx interface {
	Mutator
	// LoadCart returns the buyer's cart with live products; a zero Cart when none exists.
	LoadCart(ctx context.Context, buyerID string) (cart.Cart, error)
	InsertOrder(ctx context.Context, o Order) error
	ClearCart(ctx context.Context, cartID string) error
	// LockOrder loads the order with its items and holds it until the tx ends.
	LockOrder(ctx context.Context, orderID string) (Order, error)
}

type StatusCache interface {
	GetOrderStatus(ctx context.Context, orderID string) (string, bool)
	SetOrderStatus(ctx context.Context, orderID, status string)
}

type Service struct {
	Repo       Repository
	Commission commission.Calculator
	Events     *Notifier
	Cache      StatusCache
	Metrics    *metrics.Domain
	Now        func() time.Time
	NewID      func() string
}

func NewService(repo Repository, calc commission.Calculator) *Service {
	return &Service{Repo: repo, Commission: calc}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) Get(ctx context.Context, actor identity.Actor, id string) (Order, error) {
	o, err := s.Repo.GetOrder(ctx, id)
	if err != nil {
		return Order{}, fmt.Errorf("orders: get: %w", err)
	}
	if err := Authorize(actor, ActionView, o).Err(); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *Service) ListMine(ctx context.Context, actor identity.Actor) ([]Order, error) {
	return s.Repo.ListByBuyer(ctx, actor.UserID)
}

func (s *Service) ListSelling(ctx context.Context, actor identity.Actor) ([]Order, error) {
	return s.Repo.ListBySeller(ctx, actor.UserID)
}

func (s *Service) ListAll(ctx context.Context, actor identity.Actor) ([]Order, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only admins can list every order")
	}
	return s.Repo.ListAll(ctx)
}

// Status serves the cached status first; it only exposes the status value.
func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	if s.Cache != nil {
		if st, ok := s.Cache.GetOrderStatus(ctx, id); ok {
			return Status(st), nil
		}
	}
	o, err := s.Repo.GetOrder(ctx, id)
	if err != nil {
		return "", fmt.Errorf("orders: status: %w", err)
	}
	if s.Cache != nil {
		s.Cache.SetOrderStatus(ctx, id, string(o.Status))
	}
	return o.Status, nil
}

// HasCompletedPurchase answers the review subsystem: did buyerID complete an order containing productID.
func (s *Service) HasCompletedPurchase(ctx context.Context, buyerID, productID string) (bool, error) {
	if buyerID == "" || productID == "" {
		return false, apperr.BadRequest("buyer_id and product_id are required")
	}
	return s.Repo.HasCompletedPurchase(ctx, buyerID, productID)
}

// Cancel is buyer-only and PENDING-only; every line goes back to stock in the same tx.
func (s *Service) Cancel(ctx context.Context, actor identity.Actor, orderID string) (Order, error) {
	return s.transition(ctx, actor, ActionCancel, orderID, StatusCancelled)
}

func (s *Service) UpdateStatus(ctx context.Context, actor identity.Actor, orderID string, to Status) (Order, error) {
	if !to.Valid() {
		return Order{}, apperr.BadRequest("unknown order status %q", to)
	}
	return s.transition(ctx, actor, ActionUpdateStatus, orderID, to)
}

func (s *Service) ConfirmDelivery(ctx context.Context, actor identity.Actor, orderID string) (Order, error) {
	return s.transition(ctx, actor, ActionConfirmDelivery, orderID, StatusCompleted)
}

func (s *Service) transition(ctx context.Context, actor identity.Actor, action Action, orderID string, to Status) (Order, error) {
	ctx, span := tracer.Start(ctx, "orders."+string(action), trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.to", string(to)),
	))
	defer span.End()

	var (
		out     Order
		from    Status
		changed bool
	)
	err := s.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		changed, err = Apply(ctx, tx, actor, action, &o, to, s.now())
		out = o
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, fmt.Errorf("orders: %s: %w", action, err)
	}
	if changed {
		s.Published(ctx, out, from, actor)
	}
	return out, nil
}

// Published fans a committed transition out to metrics, the status cache and Kafka.
func (s *Service) Published(ctx context.Context, o Order, from Status, actor identity.Actor) {
	s.Metrics.Transition(string(from), string(o.Status))
	if s.Cache != nil {
		s.Cache.SetOrderStatus(ctx, o.ID, string(o.Status))
	}
	s.Events.StatusChanged(ctx, o.ID, from, o.Status, actor)
	logging.FromContext(ctx).Info("order_status_changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
		zap.String("actor_id", actor.UserID),
		zap.String("actor_role", string(actor.Role)),
	)
}

// Apply authorizes and performs one transition on m. Cancellation releases every
// line and closes open payments before the status is written.
func Apply(ctx context.Context, m Mutator, actor identity.Actor, action Action, o *Order, to Status, at time.Time) (bool, error) {
	changed, err := Plan(actor, action, *o, to)
	if err != nil || !changed {
		return false, err
	}
	if to == StatusCancelled {
		if err := inventory.NewLedger(m).ReleaseAll(ctx, o.ID, o.ledgerLines()); err != nil {
			return false, err
		}
		if err := m.CancelOpenPayments(ctx, o.ID); err != nil {
			return false, err
		}
	}
	if err := m.SetOrderStatus(ctx, o.ID, to, at); err != nil {
		return false, err
	}
	o.Status = to
	o.UpdatedAt = at
	return true, nil
}
