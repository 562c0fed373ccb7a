// Package core holds the domain types shared by every run subsystem:
// run identity, resolved caller identity, the outbound event stream and
// the sandbox program output contract.
package core

import (
	"fmt"
	"strings"
)

// RunContext identifies one agent execution. Created at provider entry,
// immutable, referenced by every subsystem.
type RunContext struct {
	RunID            string `json:"runId"`
	Attempt          int    `json:"attempt"`
	IngressRequestID string `json:"ingressRequestId"`
}

// Caller is the resolved tenant identity. It is produced by an upstream
// authentication step and consumed here as-is — client-supplied billing
// identifiers are never trusted.
type Caller struct {
	BillingAccountID string `json:"billingAccountId"`
	VirtualKeyID     string `json:"virtualKeyId"`
	UserID           string `json:"userId"`
	RequestID        string `json:"requestId"`
	TraceID          string `json:"traceId"`
}

// Limits are the caller-supplied resource bounds for the ephemeral path.
type Limits struct {
	MaxRuntimeSec int `json:"maxRuntimeSec"`
	MaxMemoryMB   int `json:"maxMemoryMb"`
}

// GraphRunRequest is the inbound request to execute an agent graph.
type GraphRunRequest struct {
	RunID   string  `json:"runId"`
	Attempt int     `json:"attempt"`
	GraphID string  `json:"graphId"`
	Model   string  `json:"model,omitempty"`
	Message *string `json:"message"`
	Caller  Caller  `json:"caller"`
	Limits  Limits  `json:"limits"`
}

// Validate checks the request schema. Violations surface as invalid_request.
func (r *GraphRunRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.RunID) == "":
		return NewRunError(KindInvalidRequest, "runId is required", nil)
	// The runId names filesystem paths (workspace dir, proxy run dir), so
	// separators and dot-dot segments are rejected outright.
	case strings.ContainsAny(r.RunID, `/\`) || strings.Contains(r.RunID, ".."):
		return NewRunError(KindInvalidRequest, fmt.Sprintf("runId %q must not contain path separators or '..'", r.RunID), nil)
	case r.Attempt < 0:
		return NewRunError(KindInvalidRequest, fmt.Sprintf("attempt must be >= 0, got %d", r.Attempt), nil)
	case strings.TrimSpace(r.GraphID) == "":
		return NewRunError(KindInvalidRequest, "graphId is required", nil)
	case strings.TrimSpace(r.Caller.BillingAccountID) == "":
		return NewRunError(KindInvalidRequest, "caller.billingAccountId is required", nil)
	}
	return nil
}

// RunEventType enumerates the outbound stream event kinds.
type RunEventType string

const (
	EventAccepted    RunEventType = "accepted"
	EventTextDelta   RunEventType = "text_delta"
	EventFinal       RunEventType = "final"
	EventUsageReport RunEventType = "usage_report"
	EventError       RunEventType = "error"

	// EventStreamClose marks the end of the stream. usage_report events may
	// follow the terminal final/error, so consumers aggregating billing must
	// read until this marker rather than stopping at the first final.
	EventStreamClose RunEventType = "stream_close"
)

// UsageReport carries per-call billing data extracted from the proxy audit
// log. CostUSD is the raw decimal string from the LLM response header; it is
// never parsed into a float.
type UsageReport struct {
	LitellmCallID string `json:"litellmCallId"`
	CostUSD       string `json:"costUsd"`
	Model         string `json:"model,omitempty"`
	GraphID       string `json:"graphId"`
}

// RunEvent is one element of the outbound stream produced by the provider.
// Per run: exactly one accepted (first), exactly one of final/error, and no
// text_delta outside that window.
type RunEvent struct {
	Type    RunEventType `json:"type"`
	RunID   string       `json:"runId"`
	Text    string       `json:"text,omitempty"`
	Message string       `json:"message,omitempty"`
	Code    ErrorKind    `json:"code,omitempty"`
	Usage   *UsageReport `json:"usage,omitempty"`
}

// Terminal reports whether the event ends content delivery for the run.
func (e RunEvent) Terminal() bool {
	return e.Type == EventFinal || e.Type == EventError
}
