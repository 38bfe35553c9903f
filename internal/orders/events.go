package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/identity"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentReconciled  = "PaymentReconciled"
	EventPaymentWebhook     = "PaymentWebhookReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually the order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemSettlement struct {
	ProductID  string `json:"product_id"`
	SellerID   string `json:"seller_id"`
	Qty        int    `json:"qty"`
	UnitPrice  string `json:"unit_price"`
	Commission string `json:"commission"`
	Payout     string `json:"payout"`
}

type OrderCreatedPayload struct {
	OrderID string           `json:"order_id"`
	BuyerID string           `json:"buyer_id"`
	Items   []ItemSettlement `json:"items"`
	Total   string           `json:"total"`
}

type OrderStatusChangedPayload struct {
	OrderID   string `json:"order_id"`
	From      Status `json:"from"`
	To        Status `json:"to"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

type PaymentReconciledPayload struct {
	OrderID       string `json:"order_id"`
	PaymentID     string `json:"payment_id"`
	GatewayID     string `json:"gateway_id"`
	PaymentStatus string `json:"payment_status"`
	OrderStatus   Status `json:"order_status"`
}

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Notifier emits lifecycle events after commit. A nil *Notifier is a no-op.
type Notifier struct {
	Pub      Publisher
	Producer string
}

func NewNotifier(pub Publisher, producer string) *Notifier {
	return &Notifier{Pub: pub, Producer: producer}
}

func (n *Notifier) OrderCreated(ctx context.Context, o Order) {
	items := make([]ItemSettlement, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemSettlement{
			ProductID:  it.ProductID,
			SellerID:   it.SellerID,
			Qty:        it.Quantity,
			UnitPrice:  it.UnitPrice.StringFixed(2),
			Commission: it.Commission.StringFixed(2),
			Payout:     it.Payout.StringFixed(2),
		})
	}
	n.emit(ctx, TopicOrderCreated, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID: o.ID, BuyerID: o.BuyerID, Items: items, Total: o.Total.StringFixed(2),
	})
}

func (n *Notifier) StatusChanged(ctx context.Context, orderID string, from, to Status, actor identity.Actor) {
	n.emit(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, orderID, OrderStatusChangedPayload{
		OrderID: orderID, From: from, To: to, ActorID: actor.UserID, ActorRole: string(actor.Role),
	})
}

func (n *Notifier) PaymentReconciled(ctx context.Context, p PaymentReconciledPayload) {
	n.emit(ctx, TopicPaymentReconciled, EventPaymentReconciled, p.OrderID, p)
}

// Raw publishes an already-built envelope body, keyed by key.
func (n *Notifier) Raw(ctx context.Context, topic, eventType, key string, payload json.RawMessage) {
	n.emit(ctx, topic, eventType, key, payload)
}

func (n *Notifier) emit(ctx context.Context, topic, eventType, orderID string, payload any) {
	if n == nil || n.Pub == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logging.FromContext(ctx).Error("event_marshal_failed", zap.String("event", eventType), zap.Error(err))
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      n.Producer,
		TraceID:       traceID(ctx),
		CorrelationID: orderID,
		Payload:       body,
	}
	value, err := json.Marshal(ev)
	if err != nil {
		logging.FromContext(ctx).Error("event_marshal_failed", zap.String("event", eventType), zap.Error(err))
		return
	}
	n.Pub.Publish(topic, PartitionKey(orderID), value,
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
