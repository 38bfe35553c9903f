package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

// IdempotencyStore remembers which order a buyer's Idempotency-Key produced.
type IdempotencyStore interface {
	Lookup(ctx context.Context, buyerID, key string) (orderID string, ok bool)
	Remember(ctx context.Context, buyerID, key, orderID string)
}

const HeaderIdempotencyKey = "Idempotency-Key"

type OrdersHandler struct {
	Orders      *orders.Service
	Idempotency IdempotencyStore // optional
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders/checkout", h.checkout)
	r.Get("/orders", h.listMine)
	r.Get("/orders/selling", h.listSelling)
	r.Get("/orders/all", h.listAll)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus) // any identified caller; answers the status value only
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Patch("/orders/{id}/status", h.updateStatus)
	r.Post("/orders/{id}/confirm-delivery", h.confirmDelivery)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" && h.Idempotency != nil {
		if id, ok := h.Idempotency.Lookup(ctx, actor.UserID, key); ok {
			o, err := h.Orders.Get(ctx, actor, id)
			if err == nil {
				w.Header().Set("Idempotent-Replayed", "true")
				writeJSON(w, http.StatusOK, o)
				return
			}
			logging.FromContext(ctx).Warn("idempotent_replay_lookup_failed", zap.String("order_id", id), zap.Error(err))
		}
	}

	o, err := h.Orders.CreateOrderFromCart(ctx, actor.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if key != "" && h.Idempotency != nil {
		h.Idempotency.Remember(ctx, actor.UserID, key, o.ID)
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) listMine(w http.ResponseWriter, r *http.Request) {
	out, err := h.Orders.ListMine(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) listSelling(w http.ResponseWriter, r *http.Request) {
	out, err := h.Orders.ListSelling(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) listAll(w http.ResponseWriter, r *http.Request) {
	out, err := h.Orders.ListAll(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	st, err := h.Orders.Status(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": id, "status": string(st)})
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type updateStatusReq struct {
	Status orders.Status `json:"status"`
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Status == "" {
		writeError(w, r, apperr.BadRequest("status is required"))
		return
	}
	o, err := h.Orders.UpdateStatus(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.ConfirmDelivery(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// HeaderInternalToken carries the shared secret of internal callers.
const HeaderInternalToken = "X-Internal-Token"

// PurchasesHandler answers the review subsystem. It sits outside the identity
// middleware. With Token set, callers must present it in X-Internal-Token.
type PurchasesHandler struct {
	Orders *orders.Service
	Token  string
}

func (h *PurchasesHandler) Register(r chi.Router) {
	// without a token the route relies on network placement alone
	r.With(requireInternalToken(h.Token)).Get("/internal/purchases", h.hasPurchased)
}

func requireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderInternalToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, r, &apperr.Error{Kind: apperr.KindUnauthorized, Msg: "missing or invalid internal token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *PurchasesHandler) hasPurchased(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ok, err := h.Orders.HasCompletedPurchase(r.Context(), q.Get("buyer_id"), q.Get("product_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"purchased": ok})
}
