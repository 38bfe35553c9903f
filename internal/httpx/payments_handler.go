package httpx

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
)

type PaymentsHandler struct {
	Payments *payments.Service
}

// Register mounts the buyer-facing routes; they expect RequireActor upstream.
func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/orders/{id}/payments", h.create)
	r.Get("/orders/{id}/payment", h.get)
}

func (h *PaymentsHandler) create(w http.ResponseWriter, r *http.Request) {
	buyer := payments.Contact{
		Name:  r.Header.Get(HeaderUserName),
		Email: r.Header.Get(HeaderUserEmail),
	}
	p, err := h.Payments.CreatePayment(r.Context(), actorFrom(r), buyer, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *PaymentsHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.GetPayment(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// WebhookHandler receives gateway notifications. It always answers 200 so the
// gateway does not retry; failures are logged and echoed in the body.
type WebhookHandler struct {
	Reconciler *payments.Reconciler
	// Events, when set with Async, hands the notification to the reconciler
	// worker through Kafka instead of applying it in the request.
	Events *orders.Notifier
	Async  bool
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/payments/webhook", h.receive)
}

type webhookAck struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Warn("webhook_read_failed", zap.Error(err))
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Error: "unreadable body"})
		return
	}
	n, err := payments.ParseNotification(body, r.URL.Query())
	if err != nil {
		log.Warn("webhook_decode_failed", zap.Error(err))
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Error: err.Error()})
		return
	}

	if h.Async && h.Events != nil {
		raw, err := json.Marshal(n)
		if err == nil {
			h.Events.Raw(ctx, orders.TopicPaymentWebhook, orders.EventPaymentWebhook, n.PaymentID(), raw)
			writeJSON(w, http.StatusOK, webhookAck{Received: true})
			return
		}
		log.Warn("webhook_enqueue_failed", zap.Error(err))
	}

	if _, err := h.Reconciler.ProcessWebhook(ctx, n); err != nil {
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, webhookAck{Received: true})
}
