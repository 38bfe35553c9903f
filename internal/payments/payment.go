package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool { return s != StatusPending }

// Active payments block a new intent for the same order.
func (s Status) Active() bool { return s == StatusPending || s == StatusApproved }

type Payment struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	GatewayID    string          `json:"gateway_id,omitempty"` // empty until the gateway reports it
	Amount       decimal.Decimal `json:"amount"`
	Status       Status          `json:"status"`
	PreferenceID string          `json:"preference_id,omitempty"`
	RedirectURL  string          `json:"redirect_url,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MapGatewayStatus maps a gateway payment status to the payment and order
// statuses it implies.
func MapGatewayStatus(gatewayStatus string) (Status, orders.Status) {
	switch gatewayStatus {
	case "approved":
		return StatusApproved, orders.StatusPaid
	case "rejected", "cancelled":
		return StatusRejected, orders.StatusCancelled
	default: // pending, in_process, authorized, in_mediation, ...
		return StatusPending, orders.StatusPending
	}
}

type IntentItem struct {
	ProductID string
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
}

type IntentRequest struct {
	OrderID    string
	Amount     decimal.Decimal
	Items      []IntentItem
	Buyer      Contact
	SuccessURL string
	FailureURL string
	PendingURL string
	WebhookURL string
}

// Contact is the buyer info forwarded by the auth layer.
type Contact struct {
	UserID string
	Name   string
	Email  string
}

type Intent struct {
	PreferenceID string
	RedirectURL  string
}

type GatewayPayment struct {
	ID                string
	Status            string
	ExternalReference string
}

// Gateway is the external payment provider. Calls are never made inside a DB transaction.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	FetchPayment(ctx context.Context, gatewayID string) (GatewayPayment, error)
}
