// Package gatewayerr defines the gateway's error taxonomy (spec.md §7) as a
// small set of typed errors, each carrying an HTTP status and a stable code.
// Handlers inspect errors with errors.As, never exception-style control flow.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the abstract error kinds from the taxonomy.
type Kind string

const (
	KindAuthMissing       Kind = "auth_missing"
	KindAuthInvalid       Kind = "auth_invalid"
	KindInsufficientCredit Kind = "insufficient_credits"
	KindUnknownModel      Kind = "unknown_model_rejected"
	KindInvalidRequest    Kind = "invalid_request"
	KindUpstreamAuth      Kind = "upstream_auth_failure"
	KindUpstreamRateLimit Kind = "upstream_rate_limited"
	KindUpstreamTimeout   Kind = "upstream_timeout"
	KindUpstreamNetwork   Kind = "upstream_network"
	KindUpstreamBadPayload Kind = "upstream_bad_payload"
	KindInternal          Kind = "internal"
)

// statusByKind is the fixed mapping from abstract kind to HTTP status.
var statusByKind = map[Kind]int{
	KindAuthMissing:        http.StatusUnauthorized,
	KindAuthInvalid:        http.StatusUnauthorized,
	KindInsufficientCredit: http.StatusPaymentRequired,
	KindUnknownModel:       http.StatusBadRequest,
	KindInvalidRequest:     http.StatusBadRequest,
	KindUpstreamAuth:       http.StatusUnauthorized,
	KindUpstreamRateLimit:  http.StatusTooManyRequests,
	KindUpstreamTimeout:    http.StatusGatewayTimeout,
	KindUpstreamNetwork:    http.StatusBadGateway,
	KindUpstreamBadPayload: http.StatusBadGateway,
	KindInternal:           http.StatusInternalServerError,
}

// Error is a typed gateway error carrying its abstract kind and an
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code this error maps to at the boundary.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs a gatewayerr.Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a gatewayerr.Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// StatusFor maps an arbitrary error to an HTTP status, unwrapping a
// *gatewayerr.Error if present and defaulting to 500 otherwise.
func StatusFor(err error) int {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Status()
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// UpstreamTimeoutPhase distinguishes the two timeout error sub-cases spec §7
// calls out: "headers-phase -> 504; mid-stream -> stream-level error".
type UpstreamTimeoutPhase string

const (
	PhaseHeaders  UpstreamTimeoutPhase = "headers"
	PhaseMidStream UpstreamTimeoutPhase = "mid_stream"
)
