// Package fault defines the error payload model shared by the engine and
// the boundary API.
//
// Every operation failure is classified by a Code; the API layer serializes
// a Fault as {code, message, details, trace_id} and mirrors the trace id in
// the X-Trace-Id response header so a UI report can be matched to the local
// log.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure at the boundary.
type Code string

const (
	// CodeValidation indicates a malformed request (missing unit id,
	// malformed checksum). No state changed.
	CodeValidation Code = "VALIDATION"

	// CodeConflict indicates a stale previous checksum. The caller should
	// re-read current state and retry with the fresh checksum. No partial
	// write occurred.
	CodeConflict Code = "CONFLICT"

	// CodeBudgetExceeded indicates the projected or actual spend would meet
	// or cross the hard cap. No write occurred.
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"

	// CodeRateLimit indicates the generation backend throttled the call.
	CodeRateLimit Code = "RATE_LIMIT"

	// CodeInternal indicates an unexpected I/O or invariant failure. The
	// integrity-check pass is the recovery path, not automatic rollback.
	CodeInternal Code = "INTERNAL"
)

// Sentinel errors for errors.Is classification inside the engine.
var (
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("checksum conflict")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrRateLimit      = errors.New("rate limited")
)

// Fault is a classified failure carrying enough context for manual
// reconciliation (project, unit, operation) without leaking internals to
// the UI.
type Fault struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	TraceID string            `json:"trace_id"`

	err error
}

// New creates a Fault with the given code and message.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Newf creates a Fault with a formatted message.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault that preserves the underlying error for errors.Is /
// errors.Unwrap while presenting a clean message at the boundary.
func Wrap(code Code, message string, err error) *Fault {
	return &Fault{Code: code, Message: message, err: err}
}

// With attaches a detail key/value and returns the fault for chaining.
func (f *Fault) With(key, value string) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]string)
	}
	f.Details[key] = value
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the underlying error.
func (f *Fault) Unwrap() error {
	if f.err != nil {
		return f.err
	}
	switch f.Code {
	case CodeValidation:
		return ErrValidation
	case CodeConflict:
		return ErrConflict
	case CodeBudgetExceeded:
		return ErrBudgetExceeded
	case CodeRateLimit:
		return ErrRateLimit
	default:
		return nil
	}
}

// HTTPStatus maps a code to the HTTP status used by the boundary API.
func (f *Fault) HTTPStatus() int {
	switch f.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// From classifies an arbitrary error as a Fault. Existing Faults pass
// through unchanged; sentinel errors map to their codes; everything else is
// INTERNAL.
func From(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, ErrValidation):
		return Wrap(CodeValidation, err.Error(), err)
	case errors.Is(err, ErrConflict):
		return Wrap(CodeConflict, err.Error(), err)
	case errors.Is(err, ErrBudgetExceeded):
		return Wrap(CodeBudgetExceeded, err.Error(), err)
	case errors.Is(err, ErrRateLimit):
		return Wrap(CodeRateLimit, err.Error(), err)
	default:
		return Wrap(CodeInternal, "internal error", err)
	}
}
