// Package logging provides structured logging for gatekeeper.
//
// Logger wraps log/slog. Every entry carries service and version fields;
// components add their own with With("component", ...).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "file"     # stdout, stderr, file
//	  file:
//	    path: "./logs/gatekeeper.log"
//	    max_size: 50     # megabytes before rotation
//	    max_backups: 5
//	    max_age: 28      # days
//	    compress: true
//
// File output is rotated by lumberjack.
//
// # Secrets
//
// Raw access tokens, refresh tokens, API keys, passwords and signing secrets
// are never logged. Log the API key display prefix or a user id instead:
//
//	logger.Info("api key revoked", "key_prefix", key.Prefix, "user_id", key.UserID)
package logging
