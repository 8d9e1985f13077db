// Package api implements the HTTP REST API of the gatekeeper service.
//
// This package provides:
//   - Session endpoints: register, login, refresh with rotation, logout
//   - Account, session and API key management under /api/v1/users
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Authentication middleware for the bearer and API key schemes
//   - Role and ownership guards built on internal/auth
//   - An admin WebSocket stream of security events (/api/v1/events/ws)
//
// # Security
//
// Every authentication failure is rendered from a fixed table of sentinel
// errors (see errors.go) so clients see a stable status and code while the
// cause is logged server-side. Refresh failures all render as
// invalid_refresh_credential. Raw tokens and keys never reach the log.
//
// The authenticated caller is available to handlers through
// IdentityFromContext.
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
