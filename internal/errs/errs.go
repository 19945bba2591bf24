// Package errs defines the broker-wide error taxonomy. Every subsystem
// classifies failures by Kind so callers can branch on errors.Is without
// knowing which subsystem produced them.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a coarse failure classification. The first seven kinds are
// expected domain errors and are returned to callers as structured
// results. Transient errors may be retried. IntegrityFault and
// ClockFault halt the broker.
type Kind int

const (
	KindUnauthenticated Kind = iota
	KindUnauthorized
	KindInvalidSession
	KindInvalidPayload
	KindRateLimited
	KindNotFound
	KindConflictState
	KindTimeout
	KindTransient
	KindIntegrityFault
	KindClockFault
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindInvalidSession:
		return "INVALID_SESSION"
	case KindInvalidPayload:
		return "INVALID_PAYLOAD"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflictState:
		return "CONFLICT_STATE"
	case KindTimeout:
		return "TIMEOUT"
	case KindTransient:
		return "TRANSIENT"
	case KindIntegrityFault:
		return "INTEGRITY_FAULT"
	case KindClockFault:
		return "CLOCK_FAULT"
	default:
		return "UNKNOWN"
	}
}

// Sentinel values for errors.Is checks.
var (
	ErrUnauthenticated = &Error{kind: KindUnauthenticated, msg: "agent is not authenticated"}
	ErrUnauthorized    = &Error{kind: KindUnauthorized, msg: "agent lacks required permission"}
	ErrInvalidSession  = &Error{kind: KindInvalidSession, msg: "session token is invalid"}
	ErrInvalidPayload  = &Error{kind: KindInvalidPayload, msg: "payload is malformed or too large"}
	ErrRateLimited     = &Error{kind: KindRateLimited, msg: "rate limit exceeded"}
	ErrNotFound        = &Error{kind: KindNotFound, msg: "entity not found"}
	ErrConflictState   = &Error{kind: KindConflictState, msg: "operation invalid in current state"}
	ErrTimeout         = &Error{kind: KindTimeout, msg: "deadline exceeded"}
	ErrTransient       = &Error{kind: KindTransient, msg: "transient failure, retry may succeed"}
	ErrIntegrityFault  = &Error{kind: KindIntegrityFault, msg: "data integrity fault"}
	ErrClockFault      = &Error{kind: KindClockFault, msg: "monotonic clock regression"}
)

// Error carries a Kind plus a human-readable message and an optional
// wrapped cause. RetryAfter is set on RateLimited errors as a hint.
type Error struct {
	kind       Kind
	msg        string
	cause      error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the human-readable message without the kind prefix.
func (e *Error) Message() string { return e.msg }

// Is matches any *Error of the same Kind, so
// errors.Is(err, errs.ErrUnauthorized) works for wrapped and
// freshly-constructed errors alike.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// New constructs an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// RateLimited builds a RATE_LIMITED error carrying a retry-after hint.
func RateLimited(retryAfter time.Duration, format string, args ...interface{}) *Error {
	return &Error{kind: KindRateLimited, msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf extracts the Kind from err, or KindTransient if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindTransient
}

// IsFatal reports whether the error must halt the broker.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindIntegrityFault || k == KindClockFault
}
