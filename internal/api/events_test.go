package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gatekeeper/internal/audit"
	"github.com/nerrad567/gatekeeper/internal/auth"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/logging"
)

type memAuditRepo struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAuditRepo) Create(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memAuditRepo) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return &audit.ListResult{}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *fakePublisher) PublishSecurityEvent(event string, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

// drain stops the writer and waits until everything queued has been written.
func drain(t *testing.T, cancel context.CancelFunc, w *audit.Writer) {
	t.Helper()
	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("audit writer did not stop")
	}
}

func TestSecurityEvents_AuditsAndPublishes(t *testing.T) {
	repo := &memAuditRepo{}
	writer := audit.NewWriter(repo, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go writer.Run(ctx)

	pub := &fakePublisher{}
	sink := NewSecurityEvents(logging.Discard(), writer, pub)

	sink.SecurityEvent(t.Context(), auth.EventRefreshReplay, map[string]any{
		"user_id":    "usr-1",
		"family_id":  "fam-1",
		"ip_address": "203.0.113.7",
	})
	reqCtx := context.WithValue(t.Context(), ctxKeyRequestID, "req-42")
	sink.SecurityEvent(reqCtx, auth.EventLoginFailed, map[string]any{
		"user_id": "usr-2",
		"reason":  "bad_password",
	})

	drain(t, cancel, writer)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(repo.entries))
	}
	replay := repo.entries[0]
	if replay.Action != "refresh_replay" || replay.EntityID != "usr-1" || replay.IPAddress != "203.0.113.7" {
		t.Errorf("replay entry = %+v", replay)
	}
	if replay.Source != audit.SourceSystem {
		t.Errorf("source without request = %q, want %q", replay.Source, audit.SourceSystem)
	}
	if got := repo.entries[1].Source; got != audit.SourceAPI {
		t.Errorf("source with request = %q, want %q", got, audit.SourceAPI)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 || pub.events[0] != "refresh_replay" || pub.events[1] != "login_failed" {
		t.Errorf("published = %v", pub.events)
	}
}

func TestSecurityEvents_PublisherFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	sink := NewSecurityEvents(logging.Discard(), nil, pub)

	sink.SecurityEvent(t.Context(), auth.EventSessionsRevoked, map[string]any{"user_id": "usr-1"})

	if len(pub.events) != 1 {
		t.Errorf("publish attempts = %d, want 1", len(pub.events))
	}
}

func TestSecurityEvents_NoSinks(t *testing.T) {
	sink := NewSecurityEvents(logging.Discard(), nil, nil)

	// Must not panic without an audit writer or publisher.
	sink.SecurityEvent(t.Context(), auth.EventUserDeactivated, nil)
}
