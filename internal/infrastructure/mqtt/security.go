package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// revokeTimeout bounds the work done for one revoke-sessions command.
const revokeTimeout = 10 * time.Second

// SecurityEventPayload is the JSON body published for each security event.
type SecurityEventPayload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// BuildSecurityEventPayload encodes a security event.
func BuildSecurityEventPayload(event string, fields map[string]any, now time.Time) ([]byte, error) {
	b, err := json.Marshal(SecurityEventPayload{
		Event:     event,
		Timestamp: now.UTC().Format(time.RFC3339),
		Fields:    fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding security event: %w", err)
	}
	return b, nil
}

// PublishSecurityEvent publishes event on {prefix}/security/{event}.
func (c *Client) PublishSecurityEvent(event string, fields map[string]any) error {
	if event == "" {
		return ErrInvalidTopic
	}
	payload, err := BuildSecurityEventPayload(event, fields, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return c.Publish(c.topics.SecurityEvent(event), payload, c.qos(), false)
}

// RevokeSessionsCommand is the payload accepted on the revoke-sessions topic.
type RevokeSessionsCommand struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// ParseRevokeSessionsCommand decodes and validates a revoke-sessions payload.
func ParseRevokeSessionsCommand(payload []byte) (RevokeSessionsCommand, error) {
	var cmd RevokeSessionsCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	if cmd.UserID == "" {
		return cmd, fmt.Errorf("%w: user_id is required", ErrInvalidPayload)
	}
	return cmd, nil
}

// RevokeSessionsFunc revokes every session of a user.
type RevokeSessionsFunc func(ctx context.Context, cmd RevokeSessionsCommand) error

// RevokeSessionsHandler adapts fn into a MessageHandler for the
// revoke-sessions topic.
func RevokeSessionsHandler(fn RevokeSessionsFunc) MessageHandler {
	return func(_ string, payload []byte) error {
		cmd, err := ParseRevokeSessionsCommand(payload)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		defer cancel()
		return fn(ctx, cmd)
	}
}

// SubscribeRevokeSessions subscribes fn to {prefix}/command/revoke-sessions.
func (c *Client) SubscribeRevokeSessions(fn RevokeSessionsFunc) error {
	return c.Subscribe(c.topics.RevokeSessionsCommand(), c.qos(), RevokeSessionsHandler(fn))
}
