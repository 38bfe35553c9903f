package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/identity"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/metrics"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-marketplace-orders/internal/payments")

// FlexString accepts both JSON strings and numbers; gateways send ids either way.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

type Notification struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Data   struct {
		ID FlexString `json:"id"`
	} `json:"data"`
}

func (n Notification) PaymentID() string { return string(n.Data.ID) }

// ParseNotification reads a JSON body and falls back to the query-string form
// (?type=payment&data.id=123 or ?topic=payment&id=123).
func ParseNotification(body []byte, query url.Values) (Notification, error) {
	var n Notification
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			return Notification{}, fmt.Errorf("decode notification: %w", err)
		}
	}
	if n.Type == "" {
		n.Type = firstNonEmpty(query.Get("type"), query.Get("topic"))
	}
	if n.Data.ID == "" {
		n.Data.ID = FlexString(firstNonEmpty(query.Get("data.id"), query.Get("id")))
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Deduper short-circuits exact replays that were already applied.
type Deduper interface {
	Seen(ctx context.Context, scope, id string) bool
	Mark(ctx context.Context, scope, id string)
}

const dedupScope = "reconcile"

type Reconciler struct {
	Repo    Repository
	Gateway Gateway
	Dedup   Deduper
	Orders  *orders.Service // fans out committed transitions; may be nil
	Events  *orders.Notifier
	Metrics *metrics.Domain
	Now     func() time.Time
	NewID   func() string
}

// Outcome describes what ProcessWebhook did; it is also the metrics label.
type Outcome string

const (
	OutcomeIgnored          Outcome = "ignored"
	OutcomeNotConfigured    Outcome = "not_configured"
	OutcomeMissingReference Outcome = "missing_reference"
	OutcomeUnknownOrder     Outcome = "unknown_order"
	OutcomeUnknownPayment   Outcome = "unknown_payment"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeApplied          Outcome = "applied"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeConflict         Outcome = "conflict"
	OutcomeError            Outcome = "error"
)

type applyResult struct {
	payment        Payment
	order          orders.Order
	fromStatus     orders.Status
	orderChanged   bool
	paymentChanged bool
	conflict       bool
}

// ProcessWebhook applies one gateway notification. It is safe to call any number
// of times with the same notification, in any order relative to others. The
// returned error is for logging only; callers acknowledge the gateway regardless.
func (r *Reconciler) ProcessWebhook(ctx context.Context, n Notification) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "payments.reconcile")
	defer span.End()
	log := logging.FromContext(ctx).With(zap.String("gateway_payment_id", n.PaymentID()), zap.String("type", n.Type))

	outcome, err := r.process(ctx, n)
	span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("payment_webhook_failed", zap.Error(err))
	} else {
		log.Info("payment_webhook_processed", zap.String("outcome", string(outcome)))
	}
	r.Metrics.Webhook(string(outcome))
	return outcome, err
}

func (r *Reconciler) process(ctx context.Context, n Notification) (Outcome, error) {
	if n.Type != "payment" {
		return OutcomeIgnored, nil
	}
	if r.Gateway == nil {
		return OutcomeNotConfigured, nil
	}
	if n.PaymentID() == "" {
		return OutcomeMissingReference, nil
	}

	// gateway is the source of truth, never the pushed payload
	gp, err := r.Gateway.FetchPayment(ctx, n.PaymentID())
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return OutcomeUnknownPayment, nil // retrying will not make it appear
	case err != nil:
		return OutcomeError, fmt.Errorf("fetch payment %s: %w", n.PaymentID(), err)
	}
	if gp.ID == "" {
		gp.ID = n.PaymentID()
	}
	if gp.ExternalReference == "" {
		return OutcomeMissingReference, nil
	}
	dedupID := gp.ID + ":" + gp.Status
	if r.Dedup != nil && r.Dedup.Seen(ctx, dedupScope, dedupID) {
		return OutcomeDuplicate, nil
	}

	res, err := r.apply(ctx, gp)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return OutcomeUnknownOrder, nil
	case err != nil:
		return OutcomeError, err
	}

	if r.Dedup != nil {
		r.Dedup.Mark(ctx, dedupScope, dedupID)
	}
	if res.orderChanged && r.Orders != nil {
		r.Orders.Published(ctx, res.order, res.fromStatus, identity.System)
	}
	if res.orderChanged || res.paymentChanged {
		r.Events.PaymentReconciled(ctx, orders.PaymentReconciledPayload{
			OrderID:       res.order.ID,
			PaymentID:     res.payment.ID,
			GatewayID:     res.payment.GatewayID,
			PaymentStatus: string(res.payment.Status),
			OrderStatus:   res.order.Status,
		})
	}
	switch {
	case res.conflict:
		logging.FromContext(ctx).Warn("payment_outcome_conflicts_with_order",
			zap.String("order_id", res.order.ID),
			zap.String("order_status", string(res.order.Status)),
			zap.String("gateway_status", gp.Status))
		return OutcomeConflict, nil
	case res.orderChanged || res.paymentChanged:
		return OutcomeApplied, nil
	default:
		return OutcomeUnchanged, nil
	}
}

func (r *Reconciler) apply(ctx context.Context, gp GatewayPayment) (applyResult, error) {
	payStatus, orderTarget := MapGatewayStatus(gp.Status)
	orderID := gp.ExternalReference

	var res applyResult
	err := r.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		res = applyResult{}
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		res.fromStatus = o.Status

		p, found, err := tx.PaymentByGatewayID(ctx, gp.ID)
		if err != nil {
			return err
		}
		if found && p.OrderID != orderID {
			return fmt.Errorf("gateway payment %s belongs to order %s, not %s", gp.ID, p.OrderID, orderID)
		}
		if !found {
			if p, found, err = tx.UnboundPayment(ctx, orderID); err != nil {
				return err
			}
		}

		// order first: cancelling closes open payments, the row below then gets its final status
		if orderTarget != orders.StatusPending {
			changed, err := orders.Apply(ctx, tx, identity.System, orders.ActionReconcile, &o, orderTarget, r.now())
			switch {
			case errors.Is(err, apperr.ErrInvalidTransition):
				// money moved on an order the buyer gave up; a late outcome for
				// an order that progressed past it is just stale
				res.conflict = o.Status == orders.StatusCancelled
			case err != nil:
				return err
			}
			res.orderChanged = changed
		}
		res.order = o

		next := payStatus
		if found && next == StatusPending && p.Status.Terminal() {
			next = p.Status
		}
		now := r.now()
		switch {
		case !found:
			p = Payment{
				ID:        r.newID(),
				OrderID:   orderID,
				GatewayID: gp.ID,
				Amount:    o.Total,
				Status:    next,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertPayment(ctx, p); err != nil {
				return err
			}
			res.paymentChanged = true
		case p.GatewayID != gp.ID || p.Status != next || res.orderChanged:
			p.GatewayID = gp.ID
			p.Status = next
			p.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			res.paymentChanged = true
		}
		res.payment = p
		return nil
	})
	return res, err
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reconciler) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
