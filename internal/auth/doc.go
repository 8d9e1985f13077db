// Package auth provides token-based authentication and authorisation for gatekeeper.
//
// It is built from five parts, leaf first:
//   - Codec: HS256 access and refresh tokens signed with separate secrets
//   - Credential store: SQLite users, refresh tokens and API keys, with an
//     optional Redis refresh-token backend
//   - Authenticator: bearer and API key schemes, tried in a fixed order
//   - Authorizer: pure role and ownership guards with no store I/O
//   - Refresher: refresh token exchange with rotation and replay detection
//
// Every failure is a sentinel error (ErrNoCredential, ErrSubjectInactive, ...)
// surfaced unchanged to the HTTP layer, which owns the mapping to status codes.
// Persistence failures are wrapped in ErrStoreUnavailable so callers can tell
// "retry later" apart from "authenticate again".
//
// Raw refresh tokens and API keys are never stored, only their SHA-256 hashes.
package auth
