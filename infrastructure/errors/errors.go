// Package errors provides the unified error taxonomy for the worker core.
//
// Every error the core returns across a trust or transport boundary is a
// *WorkerError built from one of the eight kinds below, so the RPC layer
// never has to guess which transport status to map a bare error to.
package errors

import (
	"errors"
	"fmt"
)

// Kind is one of the eight error kinds the core recognises.
type Kind string

const (
	// KindInvalidInput covers schema or range violations.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindAuth covers credential decryption or venue authentication failure.
	KindAuth Kind = "AUTH"
	// KindRateLimited covers both our own RateLimiter and an upstream venue's.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindUpstreamUnavailable covers venue HTTP failure or exhausted report polling.
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	// KindNotFound covers an unknown connection or user.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict covers a duplicate connection.
	KindConflict Kind = "CONFLICT"
	// KindIntegrity covers a signature or authentication-tag mismatch.
	KindIntegrity Kind = "INTEGRITY"
	// KindInternal covers everything else.
	KindInternal Kind = "INTERNAL"
)

// WorkerError is a structured error carrying a Kind, a free-text message,
// and optionally a wrapped cause. The message may contain venue-supplied
// text; Details never does (see infrastructure/redaction).
type WorkerError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *WorkerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// WithDetail attaches a structured field. Callers must only attach fields
// that are safe to redact-and-log, never raw secrets.
func (e *WorkerError) WithDetail(key string, value any) *WorkerError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New constructs a WorkerError with no wrapped cause.
func New(kind Kind, message string) *WorkerError {
	return &WorkerError{Kind: kind, Message: message}
}

// Wrap constructs a WorkerError around an existing error.
func Wrap(kind Kind, message string, err error) *WorkerError {
	return &WorkerError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for any
// error that is not a *WorkerError.
func KindOf(err error) Kind {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}

// Convenience constructors, mirroring the shape of the per-kind helpers
// used throughout the rest of the corpus (New/Wrap + a descriptive name).

func InvalidInput(field, reason string) *WorkerError {
	return New(KindInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason))
}

func MissingParameter(param string) *WorkerError {
	return New(KindInvalidInput, fmt.Sprintf("missing required parameter: %s", param))
}

func AuthFailed(message string, err error) *WorkerError {
	return Wrap(KindAuth, message, err)
}

func RateLimited(reason string) *WorkerError {
	return New(KindRateLimited, reason)
}

func UpstreamUnavailable(venue string, err error) *WorkerError {
	return Wrap(KindUpstreamUnavailable, fmt.Sprintf("venue %s unavailable", venue), err).
		WithDetail("venue", venue)
}

func NotFound(resource string) *WorkerError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *WorkerError {
	return New(KindConflict, message)
}

func IntegrityFailure(message string, err error) *WorkerError {
	return Wrap(KindIntegrity, message, err)
}

func Internal(message string, err error) *WorkerError {
	return Wrap(KindInternal, message, err)
}
