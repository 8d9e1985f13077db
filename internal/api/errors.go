package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// Authentication and authorisation error codes.
const (
	ErrCodeNoCredential             = "no_credential"
	ErrCodeInvalidCredential        = "invalid_credential"
	ErrCodeCredentialExpired        = "credential_expired"
	ErrCodeInvalidRefreshCredential = "invalid_refresh_credential"
	ErrCodeSubjectInactive          = "subject_inactive"
	ErrCodeInsufficientRole         = "insufficient_role"
	ErrCodeAccessDenied             = "access_denied"
	ErrCodeStoreUnavailable         = "store_unavailable"
	ErrCodeInvalidCredentials       = "invalid_credentials"
)

// authFailure is the rendered form of an auth sentinel.
type authFailure struct {
	status  int
	code    string
	message string
}

// authFailures is checked in order. ErrStoreUnavailable comes first so a
// store outage wrapped inside another failure is still reported as 503.
var authFailures = []struct {
	err     error
	failure authFailure
}{
	{auth.ErrStoreUnavailable, authFailure{http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "credential store unavailable"}},
	{auth.ErrInvalidRefreshCredential, authFailure{http.StatusUnauthorized, ErrCodeInvalidRefreshCredential, "invalid refresh credential"}},
	{auth.ErrRefreshCredentialExpired, authFailure{http.StatusUnauthorized, ErrCodeInvalidRefreshCredential, "invalid refresh credential"}},
	{auth.ErrNoCredential, authFailure{http.StatusUnauthorized, ErrCodeNoCredential, "authentication required"}},
	{auth.ErrCredentialExpired, authFailure{http.StatusUnauthorized, ErrCodeCredentialExpired, "credential has expired"}},
	{auth.ErrInvalidCredential, authFailure{http.StatusUnauthorized, ErrCodeInvalidCredential, "invalid credential"}},
	{auth.ErrSubjectInactive, authFailure{http.StatusUnauthorized, ErrCodeSubjectInactive, "account is missing or inactive"}},
	{auth.ErrInsufficientRole, authFailure{http.StatusForbidden, ErrCodeInsufficientRole, "insufficient role"}},
	{auth.ErrAccessDenied, authFailure{http.StatusForbidden, ErrCodeAccessDenied, "access denied"}},
}

// classifyAuthError maps an auth error onto its status and code. Errors
// outside the table report ok=false.
func classifyAuthError(err error) (authFailure, bool) {
	for _, f := range authFailures {
		if errors.Is(err, f.err) {
			return f.failure, true
		}
	}
	return authFailure{}, false
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeAuthError renders an auth failure. Unknown errors become a 500 so
// internal detail never reaches the client.
func writeAuthError(w http.ResponseWriter, err error) {
	f, ok := classifyAuthError(err)
	if !ok {
		writeInternalError(w, "internal server error")
		return
	}
	if f.status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeeper"`)
	}
	writeError(w, f.status, f.code, f.message)
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeValidationError writes a 422 error response.
func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeConflict writes a 409 error response.
func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

// writeStoreUnavailable writes a 503 error response.
func writeStoreUnavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "credential store unavailable")
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
