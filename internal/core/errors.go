package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies run failures. Kinds are wire-stable: they appear in
// terminal error events and in HTTP status mapping, so renaming one is a
// breaking change.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindProxyStartFailed ErrorKind = "proxy_start_failed"
	KindDuplicateRun     ErrorKind = "duplicate_run"
	KindSandboxStart     ErrorKind = "sandbox_start_failed"
	KindSandboxTimeout   ErrorKind = "sandbox_timeout"
	KindSandboxExit      ErrorKind = "sandbox_nonzero_exit"
	KindInvalidEnvelope  ErrorKind = "invalid_envelope"
	KindGatewayDown      ErrorKind = "gateway_unavailable"
	KindCancelled        ErrorKind = "cancelled"
	KindAuthFailed       ErrorKind = "auth_failed"
	KindDuplicateReceipt ErrorKind = "duplicate_receipt"
	KindTransientDBError ErrorKind = "transient_db_error"
)

// RunError is a classified failure. The Kind drives how the provider
// surfaces it; the wrapped cause is for logs only.
type RunError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func NewRunError(kind ErrorKind, message string, cause error) *RunError {
	return &RunError{Kind: kind, Message: message, cause: cause}
}

func (e *RunError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err, walking the wrap chain. Context
// cancellation maps to cancelled; anything unclassified is reported as a
// sandbox start failure so the run still terminates with a stable code.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindSandboxStart
}
