package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/identity"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ActivePayment(ctx context.Context, orderID string) (Payment, bool, error)
	// LatestPayment fails with NotFound when the order has no payment.
	LatestPayment(ctx context.Context, orderID string) (Payment, error)
}

type Tx interface {
	orders.Mutator
	LockOrder(ctx context.Context, orderID string) (orders.Order, error)
	ActivePayment(ctx context.Context, orderID string) (Payment, bool, error)
	PaymentByGatewayID(ctx context.Context, gatewayID string) (Payment, bool, error)
	// UnboundPayment returns the newest payment of the order not yet tied to a gateway id.
	UnboundPayment(ctx context.Context, orderID string) (Payment, bool, error)
	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error
}

type Service struct {
	Repo        Repository
	Gateway     Gateway // nil when the gateway is not configured
	FrontendURL string
	WebhookURL  string
	Now         func() time.Time
	NewID       func() string
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

// CreatePayment opens a payment intent for a PENDING order owned by the actor.
// An active payment is returned as is. The gateway is called outside the
// transaction; the insert then re-checks under the order row lock.
func (s *Service) CreatePayment(ctx context.Context, actor identity.Actor, buyer Contact, orderID string) (Payment, error) {
	if s.Gateway == nil {
		return Payment{}, apperr.BadRequest("payment gateway is not configured")
	}
	o, err := s.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return Payment{}, fmt.Errorf("payments: create: %w", err)
	}
	if err := orders.Authorize(actor, orders.ActionPay, o).Err(); err != nil {
		return Payment{}, err
	}
	if o.Status != orders.StatusPending {
		return Payment{}, apperr.BadRequest("can only pay for PENDING orders")
	}
	if p, ok, err := s.Repo.ActivePayment(ctx, orderID); err != nil {
		return Payment{}, fmt.Errorf("payments: create: %w", err)
	} else if ok {
		return p, nil
	}

	buyer.UserID = o.BuyerID
	intent, err := s.Gateway.CreateIntent(ctx, s.intentRequest(o, buyer))
	if err != nil {
		logging.FromContext(ctx).Error("payment_intent_failed", zap.String("order_id", orderID), zap.Error(err))
		return Payment{}, fmt.Errorf("payments: create intent: %w", err)
	}

	var out Payment
	err = s.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.Status != orders.StatusPending {
			return apperr.BadRequest("can only pay for PENDING orders")
		}
		if p, ok, err := tx.ActivePayment(ctx, orderID); err != nil {
			return err
		} else if ok {
			out = p
			return nil
		}
		now := s.now()
		out = Payment{
			ID:           s.newID(),
			OrderID:      orderID,
			Amount:       locked.Total,
			Status:       StatusPending,
			PreferenceID: intent.PreferenceID,
			RedirectURL:  intent.RedirectURL,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.InsertPayment(ctx, out)
	})
	if err != nil {
		return Payment{}, fmt.Errorf("payments: create: %w", err)
	}
	logging.FromContext(ctx).Info("payment_created",
		zap.String("order_id", orderID), zap.String("payment_id", out.ID), zap.String("preference_id", out.PreferenceID))
	return out, nil
}

// GetPayment returns the latest payment of an order to its buyer or an admin.
func (s *Service) GetPayment(ctx context.Context, actor identity.Actor, orderID string) (Payment, error) {
	o, err := s.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return Payment{}, fmt.Errorf("payments: get: %w", err)
	}
	if err := orders.Authorize(actor, orders.ActionViewPayment, o).Err(); err != nil {
		return Payment{}, err
	}
	p, err := s.Repo.LatestPayment(ctx, orderID)
	if err != nil {
		return Payment{}, fmt.Errorf("payments: get: %w", err)
	}
	return p, nil
}

func (s *Service) intentRequest(o orders.Order, buyer Contact) IntentRequest {
	items := make([]IntentItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, IntentItem{
			ProductID: it.ProductID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	back := strings.TrimRight(s.FrontendURL, "/")
	q := "?orderId=" + url.QueryEscape(o.ID)
	return IntentRequest{
		OrderID:    o.ID,
		Amount:     o.Total,
		Items:      items,
		Buyer:      buyer,
		SuccessURL: back + "/payment/success" + q,
		FailureURL: back + "/payment/failure" + q,
		PendingURL: back + "/payment/pending" + q,
		WebhookURL: s.WebhookURL,
	}
}
