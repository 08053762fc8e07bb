// Package apperr defines the error taxonomy shared by the service layer and the REST API. Every error the service
// returns on purpose carries a Kind; the API maps kinds to stable HTTP status codes and anything else becomes a
// generic internal error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Kind classifies an error for the caller.
type Kind string

// Error kinds.
const (
	Internal          Kind = "internal_error"
	Validation        Kind = "validation_error"
	Authentication    Kind = "authentication_error"
	Authorization     Kind = "authorization_error"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	InsufficientFunds Kind = "insufficient_funds"
	InsufficientGas   Kind = "insufficient_gas"
	LimitExceeded     Kind = "limit_exceeded"
	Upstream          Kind = "upstream_error"
)

// Error is an error with a kind, a client-safe message and optional details.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string // field-level validation details
	Limit   *LimitDetail      // set for LimitExceeded
	Err     error             // wrapped cause, never shown to clients
}

// LimitDetail reports the ceiling that was hit.
type LimitDetail struct {
	Period    string          `json:"period"`
	Limit     decimal.Decimal `json:"limit"`
	Used      decimal.Decimal `json:"used"`
	Remaining decimal.Decimal `json:"remaining"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: NotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Invalid returns a validation error for a single field.
func Invalid(field, reason string) *Error {
	return &Error{Kind: Validation, Message: "invalid " + field, Fields: map[string]string{field: reason}}
}

// NotFoundf returns a not found error. Callers use it both for absent entities and for entities owned by someone
// else.
func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, format, args...)
}

// Exceeded returns a limit error carrying the ceiling, the used amount and what remains.
func Exceeded(period string, limit, used decimal.Decimal) *Error {
	remaining := limit.Sub(used)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return &Error{
		Kind:    LimitExceeded,
		Message: period + " transaction limit exceeded",
		Limit:   &LimitDetail{Period: period, Limit: limit, Used: used, Remaining: remaining},
	}
}

// KindOf returns the kind of err, or Internal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Internal
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)

	return e, ok
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case InsufficientFunds, InsufficientGas:
		return http.StatusUnprocessableEntity
	case LimitExceeded:
		return http.StatusTooManyRequests
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
