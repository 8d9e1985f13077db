package auth

import "errors"

// Token codec failures.
var (
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrTokenExpired     = errors.New("token has expired")
	ErrMalformedToken   = errors.New("token is malformed")
)

// Authentication and authorisation failures. The HTTP layer maps each of
// these to a fixed status and code.
var (
	ErrNoCredential             = errors.New("no credential presented")
	ErrInvalidCredential        = errors.New("invalid credential")
	ErrCredentialExpired        = errors.New("credential has expired")
	ErrInvalidRefreshCredential = errors.New("invalid refresh credential")
	ErrRefreshCredentialExpired = errors.New("refresh credential expired or revoked")
	ErrSubjectInactive          = errors.New("subject is missing or inactive")
	ErrInsufficientRole         = errors.New("insufficient role")
	ErrAccessDenied             = errors.New("access denied")
	ErrStoreUnavailable         = errors.New("credential store unavailable")
	ErrInvalidLogin             = errors.New("invalid email or password")
)

// Store lookups.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailExists          = errors.New("email already registered")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrAPIKeyNotFound       = errors.New("api key not found")
)
