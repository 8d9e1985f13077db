package auth

import "context"

// SecurityEvent names a security-relevant occurrence reported to an EventSink.
type SecurityEvent string

const (
	EventLoginFailed     SecurityEvent = "login_failed"
	EventRefreshReplay   SecurityEvent = "refresh_replay"
	EventUserDeactivated SecurityEvent = "user_deactivated"
	EventSessionsRevoked SecurityEvent = "sessions_revoked"
)

// EventSink receives security events. Implementations must not block the
// caller for long and must never fail the operation that raised the event.
type EventSink interface {
	SecurityEvent(ctx context.Context, event SecurityEvent, fields map[string]any)
}

type nopSink struct{}

func (nopSink) SecurityEvent(context.Context, SecurityEvent, map[string]any) {}
