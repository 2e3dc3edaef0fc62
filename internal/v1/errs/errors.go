// Package errs defines the typed error kinds surfaced by the service.
//
// Handlers and the websocket gateway branch on kinds with errors.Is rather
// than matching message text, and each kind maps to a stable HTTP status or
// client event.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry policy.
type Kind string

const (
	KindAuthFailure      Kind = "auth_failure"
	KindNotAuthorized    Kind = "not_authorized"
	KindRateLimited      Kind = "rate_limited"
	KindInvalidArgument  Kind = "invalid_argument"
	KindConflict         Kind = "conflict"
	KindStoreUnavailable Kind = "store_unavailable"
	KindTransient        Kind = "transient"
	KindFatal            Kind = "fatal"
)

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two errs.Errors by kind, so errors.Is(err, errs.New(kind, ""))
// and the sentinel helpers below both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrAuthFailure      = New(KindAuthFailure, "authentication failed")
	ErrNotAuthorized    = New(KindNotAuthorized, "not authorized")
	ErrRateLimited      = New(KindRateLimited, "rate limit exceeded")
	ErrInvalidArgument  = New(KindInvalidArgument, "invalid argument")
	ErrConflict         = New(KindConflict, "conflict")
	ErrStoreUnavailable = New(KindStoreUnavailable, "state store unavailable")
	ErrTransient        = New(KindTransient, "transient failure")
	ErrFatal            = New(KindFatal, "fatal invariant violation")
)

// KindOf extracts the kind from an error chain, defaulting to Transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindStoreUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
