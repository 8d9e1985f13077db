package api

import (
	"context"

	"github.com/nerrad567/gatekeeper/internal/audit"
	"github.com/nerrad567/gatekeeper/internal/auth"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/logging"
)

// SecurityEventPublisher forwards security events beyond the process log.
// *mqtt.Client and *Hub satisfy it.
type SecurityEventPublisher interface {
	PublishSecurityEvent(event string, fields map[string]any) error
}

// SecurityEvents fans auth.EventSink notifications out to the log, the audit
// trail and any publishers. Every leg is best-effort.
type SecurityEvents struct {
	logger     *logging.Logger
	audit      *audit.Writer
	publishers []SecurityEventPublisher
}

// NewSecurityEvents creates a fan-out sink. auditWriter may be nil and nil
// publishers are skipped.
func NewSecurityEvents(logger *logging.Logger, auditWriter *audit.Writer, publishers ...SecurityEventPublisher) *SecurityEvents {
	e := &SecurityEvents{
		logger: logger.With("component", "security_events"),
		audit:  auditWriter,
	}
	for _, p := range publishers {
		if p != nil {
			e.publishers = append(e.publishers, p)
		}
	}
	return e
}

// SecurityEvent implements auth.EventSink.
func (e *SecurityEvents) SecurityEvent(ctx context.Context, event auth.SecurityEvent, fields map[string]any) {
	requestID := requestIDFromContext(ctx)

	args := make([]any, 0, 2*len(fields)+4)
	args = append(args, "event", string(event))
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	switch event {
	case auth.EventLoginFailed, auth.EventRefreshReplay:
		e.logger.Warn("security event", args...)
	default:
		e.logger.Info("security event", args...)
	}

	source := audit.SourceSystem
	if requestID != "" {
		source = audit.SourceAPI
	}
	userID := stringField(fields, "user_id")
	e.audit.Record(&audit.Entry{
		Action:     string(event),
		EntityType: "user",
		EntityID:   userID,
		UserID:     userID,
		Source:     source,
		IPAddress:  stringField(fields, "ip_address"),
		Details:    fields,
	})

	for _, p := range e.publishers {
		if err := p.PublishSecurityEvent(string(event), fields); err != nil {
			e.logger.Debug("publishing security event failed", "event", string(event), "error", err)
		}
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
