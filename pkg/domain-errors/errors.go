// Package domainerrors defines the coded error type used across the gateway.
//
// Services return these errors so transport layers can translate them into
// HTTP responses without inspecting error strings. Infrastructure layers
// return pkg/platform/sentinel errors instead; services wrap those into a
// coded error at the boundary.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error. Codes are stable; messages are not.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal"

	// Login flow codes.
	CodeInvalidState  Code = "invalid_state"
	CodeNonceMismatch Code = "nonce_mismatch"
	CodeTokenExchange Code = "token_exchange_failed"

	// Session lifecycle codes.
	CodeRefreshFailed  Code = "refresh_failed"
	CodeSessionExpired Code = "session_expired"
	CodeNoSession      Code = "no_session"

	// Authorization codes.
	CodeUnknownPolicy Code = "unknown_policy"
	CodePolicyDenied  Code = "policy_denied"

	// Downstream proxy codes.
	CodeDownstreamUnavailable Code = "downstream_unavailable"
	CodeDownstreamTimeout     Code = "downstream_timeout"
)

// Error is a coded domain error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error with no cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(cause error, code Code, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: cause}
}

// Is reports whether err carries the given code. The name follows the
// errors.Is convention even though matching is by code, not identity.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// HasCode reports whether err (or anything it wraps) is a domain error with
// the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for
// uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code to the HTTP status the transport layer should
// emit. Login flow failures map to 401 so browsers are pushed back into the
// login redirect rather than shown a raw server error.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeInvalidState, CodeNonceMismatch:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeSessionExpired, CodeNoSession, CodeRefreshFailed:
		return http.StatusUnauthorized
	case CodeForbidden, CodePolicyDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeDownstreamUnavailable, CodeTokenExchange:
		return http.StatusBadGateway
	case CodeDownstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUnknownPolicy, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
