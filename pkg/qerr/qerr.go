package qerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies pipeline errors so callers can decide between retrying,
// skipping the offending item, or aborting outright.
type Kind string

const (
	KindNone               Kind = ""
	KindConfigInvalid      Kind = "config_invalid"
	KindAuthFailed         Kind = "auth_failed"
	KindSourceUnavailable  Kind = "source_unavailable"
	KindSchemaMismatch     Kind = "schema_mismatch"
	KindUnknownEventType   Kind = "unknown_event_type"
	KindInvalidMetric      Kind = "invalid_metric"
	KindOutOfRange         Kind = "out_of_range"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindCircuitOpen        Kind = "circuit_open"
	KindCancelled          Kind = "cancelled"
	KindBufferFull         Kind = "buffer_full"
	KindValidationFailed   Kind = "validation_failed"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error from a format string.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind of err, unwrapping as needed. Context
// cancellation and deadline errors classify as Cancelled and Timeout even
// when they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNone
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an operation failing with err is worth retrying
// within the caller's budget.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindSourceUnavailable, KindBackendUnavailable, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

// Fatal reports whether err should abort startup rather than be contained.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindConfigInvalid, KindAuthFailed:
		return true
	default:
		return false
	}
}
