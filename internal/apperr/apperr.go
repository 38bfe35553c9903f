package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnavailable
	KindInsufficientStock
	KindBadRequest
	KindForbidden
	KindInvalidTransition
	KindConflict
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindInternal:          "INTERNAL",
	KindNotFound:          "NOT_FOUND",
	KindUnavailable:       "UNAVAILABLE",
	KindInsufficientStock: "INSUFFICIENT_STOCK",
	KindBadRequest:        "BAD_REQUEST",
	KindForbidden:         "FORBIDDEN",
	KindInvalidTransition: "INVALID_TRANSITION",
	KindConflict:          "CONFLICT",
	KindUnauthorized:      "UNAUTHORIZED",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "INTERNAL"
}

// Error is a typed failure the transport layer can map to a client-visible code.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by kind, so errors.Is(err, apperr.ErrNotFound)
// holds for any NotFound error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnavailable       = &Error{Kind: KindUnavailable}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrBadRequest        = &Error{Kind: KindBadRequest}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
)

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error   { return New(KindNotFound, format, args...) }
func BadRequest(format string, args ...any) error { return New(KindBadRequest, format, args...) }
func Forbidden(format string, args ...any) error  { return New(KindForbidden, format, args...) }
func Conflict(format string, args ...any) error   { return New(KindConflict, format, args...) }
func Unavailable(format string, args ...any) error {
	return New(KindUnavailable, format, args...)
}
func InvalidTransition(format string, args ...any) error {
	return New(KindInvalidTransition, format, args...)
}

// InsufficientStock carries the available count so clients can display it.
func InsufficientStock(title string, available, requested int) error {
	return &Error{
		Kind: KindInsufficientStock,
		Msg:  fmt.Sprintf("insufficient stock for %q. Available: %d, Requested: %d", title, available, requested),
	}
}

// KindOf returns the kind of the first *Error in the chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusUnprocessableEntity
	case KindInsufficientStock, KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
