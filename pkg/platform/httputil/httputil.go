// Package httputil centralizes JSON response writing and domain error
// translation for the HTTP layer.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "xerolink/pkg/domain-errors"
)

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Errors after WriteHeader cannot change the status code, so encoding
	// errors are ignored.
	_ = json.NewEncoder(w).Encode(response)
}

// WriteError translates transport-agnostic domain errors into HTTP status
// codes and JSON error envelopes.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		response := map[string]string{
			"error": string(domainErr.Code),
		}
		if domainErr.Message != "" {
			response["error_description"] = domainErr.Message
		}
		WriteJSON(w, DomainCodeToHTTPStatus(domainErr.Code), response)
		return
	}

	WriteJSON(w, http.StatusInternalServerError, map[string]string{
		"error": string(dErrors.CodeInternal),
	})
}

// DomainCodeToHTTPStatus translates domain error codes to HTTP status codes.
func DomainCodeToHTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeNoTenant, dErrors.CodeFieldNotFound:
		return http.StatusBadRequest
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNoCredentials:
		return http.StatusPreconditionFailed
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUpstreamUnavailable:
		return http.StatusBadGateway
	// Callback error codes surface as 400s; the flow is over either way and
	// the user restarts it from the console.
	case dErrors.CodeOAuthDenied, dErrors.CodeMissingParameters, dErrors.CodeInvalidState,
		dErrors.CodeOAuthFailed, dErrors.CodeInvalidGrant, dErrors.CodeInvalidClient:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
