package mqtt

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "gatekeeper"

// Topics builds gatekeeper topic names under a configurable prefix.
//
//	t := mqtt.Topics{Prefix: "gatekeeper"}
//	t.SecurityEvent("login_failed") // gatekeeper/security/login_failed
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: gatekeeper/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// SecurityEvent returns the topic a security event is published on.
//
// Example: gatekeeper/security/refresh_replay
func (t Topics) SecurityEvent(event string) string {
	return t.prefix() + "/security/" + event
}

// AllSecurityEvents returns a pattern matching every security event.
//
// Pattern: gatekeeper/security/+
func (t Topics) AllSecurityEvents() string {
	return t.prefix() + "/security/+"
}

// RevokeSessionsCommand returns the topic operators publish to in order to
// revoke every session of a user.
//
// Example: gatekeeper/command/revoke-sessions
func (t Topics) RevokeSessionsCommand() string {
	return t.prefix() + "/command/revoke-sessions"
}
