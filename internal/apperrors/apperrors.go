// Package apperrors defines the typed failure taxonomy returned across the
// signing gate's outer boundaries. Callers map Code to stable response codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable, audit-friendly failure class.
type Code string

const (
	CodePolicyDenied     Code = "policy_denied"
	CodeApprovalDeclined Code = "approval_declined"
	CodeTokenInvalid     Code = "token_invalid"
	CodeSigningDenied    Code = "signing_denied"
	CodeSimulationFailed Code = "simulation_failed"
	CodeBroadcastFailed  Code = "broadcast_failed"
	CodeRPCUnconfigured  Code = "rpc_unconfigured"
	CodeRPCUnavailable   Code = "rpc_unavailable"
	CodeInvalidIntent    Code = "invalid_intent"
	CodeInternal         Code = "internal"
)

// Error carries a failure class, a human message and, for policy failures,
// the full list of reasons that fired.
type Error struct {
	Code    Code     `json:"error"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
	Err     error    `json:"-"`
}

func (e *Error) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(e.Reasons, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and message.
func New(code Code, message string, reasons ...string) *Error {
	return &Error{Code: code, Message: message, Reasons: reasons}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the Code of err, or CodeInternal when err is not typed.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a failure class to the HTTP status the API layer returns.
func HTTPStatus(code Code) int {
	switch code {
	case CodePolicyDenied, CodeSigningDenied:
		return http.StatusForbidden
	case CodeApprovalDeclined:
		return http.StatusForbidden
	case CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodeInvalidIntent:
		return http.StatusBadRequest
	case CodeRPCUnconfigured:
		return http.StatusBadGateway
	case CodeRPCUnavailable:
		return http.StatusServiceUnavailable
	case CodeSimulationFailed, CodeBroadcastFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// From returns err as an *Error, classifying untyped errors as internal.
func From(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}
