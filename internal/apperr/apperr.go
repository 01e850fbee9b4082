// Package apperr defines the typed failures shared across capsule operations
// and their mapping to HTTP responses for the API layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure.
type Kind int

// Failure kinds.
const (
	Unknown Kind = iota
	Validation
	NotFound
	PolicyNotReady
	Authorization
	Integrity
	Unavailable
)

// Error codes written in API responses.
const (
	CodeValidation     = "validation_error"
	CodeNotFound       = "not_found"
	CodePolicyNotReady = "policy_not_ready"
	CodeForbidden      = "forbidden"
	CodeIntegrity      = "integrity_error"
	CodeUnavailable    = "service_unavailable"
	CodeInternal       = "internal_error"
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case PolicyNotReady:
		return "policy_not_ready"
	case Authorization:
		return "authorization"
	case Integrity:
		return "integrity"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "evidence.Decrypt".
	Op      string
	Message string
	Err     error

	// UnlockAt and Remaining are set for PolicyNotReady.
	UnlockAt  time.Time
	Remaining time.Duration
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// E builds an Error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Errorf builds an Error with a formatted message and no cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotReady builds a PolicyNotReady failure for a condition that unlocks at unlockAt.
func NotReady(op string, unlockAt time.Time, remaining time.Duration) *Error {
	if remaining < 0 {
		remaining = 0
	}
	return &Error{
		Kind:      PolicyNotReady,
		Op:        op,
		Message:   "unlock condition not met",
		UnlockAt:  unlockAt,
		Remaining: remaining,
	}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Code returns the API error code for err.
func Code(err error) string {
	switch KindOf(err) {
	case Validation:
		return CodeValidation
	case NotFound:
		return CodeNotFound
	case PolicyNotReady:
		return CodePolicyNotReady
	case Authorization:
		return CodeForbidden
	case Integrity:
		return CodeIntegrity
	case Unavailable:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus returns the HTTP status for err.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PolicyNotReady:
		return http.StatusLocked
	case Authorization:
		return http.StatusForbidden
	case Integrity:
		return http.StatusInternalServerError
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to show a client. It never carries the
// wrapped cause, which may mention hashes or service internals.
func PublicMessage(err error, production bool) string {
	e, ok := As(err)
	if !ok {
		if production {
			return "An unexpected error occurred"
		}
		return err.Error()
	}
	switch e.Kind {
	case Integrity:
		return "Stored content failed integrity verification"
	case Unavailable:
		return "A dependent service is temporarily unavailable"
	case Unknown:
		if production {
			return "An unexpected error occurred"
		}
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}
