package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrClass partitions provider failures into the two classes the
// orchestrator cares about: transient errors are retried, persistent
// errors mark the agent unavailable for the round.
type ErrClass string

const (
	ClassTransient  ErrClass = "transient"
	ClassPersistent ErrClass = "persistent"
)

// Error is a classified provider failure.
type Error struct {
	Op    string
	Class ErrClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s error: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool { return e.Class == ClassTransient }

// NewTransient wraps err as a retryable provider error.
func NewTransient(op string, err error) *Error {
	return &Error{Op: op, Class: ClassTransient, Err: err}
}

// NewPersistent wraps err as a non-retryable provider error.
func NewPersistent(op string, err error) *Error {
	return &Error{Op: op, Class: ClassPersistent, Err: err}
}

// IsRetryable classifies an arbitrary error from a content-model call.
// Classified provider errors answer for themselves; a call that ran out of
// its per-call budget counts as transient (one spent attempt); everything
// else is treated as transient network trouble except caller cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}

// IsRetryableStatusCode reports whether an HTTP status from a provider
// endpoint warrants a retry.
func IsRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
