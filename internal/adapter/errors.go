package adapter

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures for events, diagnostics, and retry policy.
type ErrorKind string

const (
	KindInputInvalid         ErrorKind = "INPUT_INVALID"
	KindRegistryConflict     ErrorKind = "REGISTRY_CONFLICT"
	KindToolUnavailable      ErrorKind = "TOOL_UNAVAILABLE"
	KindToolFailedTransient  ErrorKind = "TOOL_FAILED_TRANSIENT"
	KindToolFailedPermanent  ErrorKind = "TOOL_FAILED_PERMANENT"
	KindToolTimeout          ErrorKind = "TOOL_TIMEOUT"
	KindBusSubscriberLost    ErrorKind = "BUS_SUBSCRIBER_LOST"
	KindCorrelationMalformed ErrorKind = "CORRELATION_MALFORMED"
	KindAuditCancelled       ErrorKind = "AUDIT_CANCELLED"
	KindAuditPartialTimeout  ErrorKind = "AUDIT_PARTIAL_TIMEOUT"
	KindInternal             ErrorKind = "INTERNAL"
)

// Error attaches an ErrorKind to an underlying failure. Adapter and
// scheduler failures travel as values, never as panics.
type Error struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *Error) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the tool it concerns.
func NewError(kind ErrorKind, tool string, err error) *Error {
	return &Error{Kind: kind, Tool: tool, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to permanent failure
// for plain errors and timeout for context deadline expiry.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindToolTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindAuditCancelled
	}
	return KindToolFailedPermanent
}

// Transient reports whether err is worth a single retry for a retryable
// adapter.
func Transient(err error) bool {
	return KindOf(err) == KindToolFailedTransient
}

// Sentinel errors shared by adapter implementations.
var (
	// ErrBinaryNotFound is returned when the wrapped tool binary is not
	// on PATH.
	ErrBinaryNotFound = errors.New("tool binary not found")

	// ErrEndpointUnreachable is returned when a network-backed tool
	// (e.g. a local LLM endpoint) does not answer its probe.
	ErrEndpointUnreachable = errors.New("tool endpoint unreachable")

	// ErrNoCredential is returned when a tool needs an API credential
	// that is not configured.
	ErrNoCredential = errors.New("tool credential not configured")
)
