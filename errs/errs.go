// Package errs defines the typed error taxonomy used across the core so
// that callers can pattern-match on failure kind instead of parsing
// messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy of failures a component may surface.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindPreconditionFailed Kind = "precondition_failed"
	KindConflict           Kind = "conflict"
	KindRedirect           Kind = "redirect"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindTooManyRequests    Kind = "too_many_requests"
	KindServiceNotReady    Kind = "service_not_ready"
	KindTimeout            Kind = "timeout"
	KindDisconnected       Kind = "disconnected"
	KindChecksum           Kind = "checksum"
	KindTopicTerminated    Kind = "topic_terminated"
	KindInvalidMessage     Kind = "invalid_message"
	KindTransient          Kind = "transient"
	KindInvalidBundles     Kind = "invalid_bundles"
)

// Error is a kind-tagged, wrappable error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// `errors.Is(err, errs.New(errs.KindTimeout, ""))` and friends work, and
// so callers can use the Kind constants directly via Matches.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap)
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Matches reports whether err carries the given Kind.
func Matches(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure of this kind should be retried
// locally (bounded) rather than surfaced to the caller.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindRedirect, KindTooManyRequests, KindServiceNotReady, KindTransient, KindTimeout, KindDisconnected:
		return true
	default:
		return false
	}
}
