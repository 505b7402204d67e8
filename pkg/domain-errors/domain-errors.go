package domainerrors

import "errors"

// Code represents a domain error category independent of transport layer.
// These codes describe what went wrong in business terms, not HTTP terms.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeBadRequest   Code = "bad_request"
	CodeValidation   Code = "validation_failed"
	CodeInternal     Code = "internal_error"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeTimeout      Code = "timeout"

	// Connection lifecycle codes.
	CodeNoCredentials       Code = "no_credentials"       // backend has no OAuth client credentials configured
	CodeNoTenant            Code = "no_tenant"            // operation requires a selected tenant
	CodeUpstreamUnavailable Code = "upstream_unavailable" // accounting provider unreachable at transport level

	// OAuth callback error codes delivered on the authorization server
	// redirect. The connection handler maps these to human-readable messages.
	CodeOAuthDenied       Code = "oauth_denied"
	CodeMissingParameters Code = "missing_parameters"
	CodeInvalidState      Code = "invalid_state"
	CodeOAuthFailed       Code = "oauth_failed"
	CodeInvalidGrant      Code = "invalid_grant"
	CodeInvalidClient     Code = "invalid_client"

	// Report processing codes.
	CodeFieldNotFound Code = "field_not_found" // tax field extraction matched no report rows
)

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic and can be used across machine, syncer, and
// handler layers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
