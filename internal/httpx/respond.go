package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/identity"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
)

const (
	HeaderUserID    = "X-User-Id"
	HeaderUserRole  = "X-User-Role"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error kind to a status; internal errors never leak their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		msg = ae.Msg
	}
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request_failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg, Code: kind.String()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.BadRequest("invalid json: %v", err)
	}
	return nil
}

// RequireActor reads the identity forwarded by the auth gateway. Requests
// without a user id or with an unknown role are rejected with 401.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderUserID)
		role, ok := identity.ParseRole(r.Header.Get(HeaderUserRole))
		if id == "" || !ok {
			writeError(w, r, &apperr.Error{Kind: apperr.KindUnauthorized, Msg: "missing or invalid identity headers"})
			return
		}
		actor := identity.Actor{UserID: id, Role: role}
		ctx := identity.WithActor(r.Context(), actor)
		ctx = logging.ContextWithLogger(ctx, logging.FromContext(ctx).With(
			zap.String("user_id", actor.UserID), zap.String("role", string(actor.Role))))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) identity.Actor {
	a, _ := identity.FromContext(r.Context())
	return a
}
