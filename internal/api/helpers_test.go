package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gatekeeper/internal/audit"
	"github.com/nerrad567/gatekeeper/internal/auth"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/config"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/database"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/logging"
	"github.com/nerrad567/gatekeeper/migrations"
)

const (
	testAccessSecret  = "api-test-access-secret-0123456789abcdef"
	testRefreshSecret = "api-test-refresh-secret-0123456789abcdef"
	testPassword      = "correct-horse-battery"
	testAccessTTL     = 15 * time.Minute
	testRefreshTTL    = 7 * 24 * time.Hour
)

// testClock is a manually advanced clock anchored at the real current time
// so stores that compare against the wall clock agree with it.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingMetrics captures authentication outcomes.
type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) WriteAuthOutcome(scheme, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, scheme+"/"+outcome)
}

func (m *recordingMetrics) has(want string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.outcomes {
		if o == want {
			return true
		}
	}
	return false
}

// recordingSink captures security events.
type recordingSink struct {
	mu     sync.Mutex
	events []auth.SecurityEvent
}

func (s *recordingSink) SecurityEvent(_ context.Context, event auth.SecurityEvent, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count(event auth.SecurityEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

// testEnv is a Server wired over a temporary SQLite database.
type testEnv struct {
	db        *database.DB
	clock     *testClock
	codec     *auth.Codec
	users     *auth.SQLiteUserRepository
	tokens    *auth.SQLiteTokenRepository
	apiKeys   *auth.SQLiteAPIKeyRepository
	auditRepo *audit.SQLiteRepository
	metrics   *recordingMetrics
	events    *recordingSink
	srv       *Server
	router    http.Handler
}

type envOption func(*Deps)

func withoutAPIKeys() envOption {
	return func(d *Deps) { d.APIKeys = nil }
}

func withHealthCheck(name string, fn HealthCheckFunc) envOption {
	return func(d *Deps) {
		if d.HealthChecks == nil {
			d.HealthChecks = map[string]HealthCheckFunc{}
		}
		d.HealthChecks[name] = fn
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db, err := database.Open(t.Context(), database.Config{
		Path:        filepath.Join(t.TempDir(), "api-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(t.Context(), migrations.FS); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	clock := newTestClock()
	codec, err := auth.NewCodec(auth.CodecConfig{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		AccessTTL:     testAccessTTL,
		RefreshTTL:    testRefreshTTL,
		Issuer:        "gatekeeper-test",
	}, auth.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	env := &testEnv{
		db:        db,
		clock:     clock,
		codec:     codec,
		users:     auth.NewUserRepository(db.DB),
		tokens:    auth.NewTokenRepository(db.DB),
		apiKeys:   auth.NewAPIKeyRepository(db.DB),
		auditRepo: audit.NewSQLiteRepository(db.DB),
		metrics:   &recordingMetrics{},
		events:    &recordingSink{},
	}

	deps := Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		Service:  config.ServiceConfig{ID: "gk-test", Name: "gatekeeper"},
		Security: config.SecurityConfig{APIKeys: config.APIKeyConfig{Enabled: true, DefaultTTL: 30}},
		Logger:   logging.Discard(),
		DB:       db.DB,
		Authenticator: auth.NewAuthenticator(auth.AuthenticatorDeps{
			Codec:   codec,
			Users:   env.users,
			APIKeys: env.apiKeys,
			Now:     clock.Now,
		}),
		Refresher: auth.NewRefresher(auth.RefresherDeps{
			Codec:  codec,
			Users:  env.users,
			Tokens: env.tokens,
			Events: env.events,
			Rotate: true,
			Now:    clock.Now,
		}),
		Users:     env.users,
		APIKeys:   env.apiKeys,
		Events:    env.events,
		AuditRepo: env.auditRepo,
		Metrics:   env.metrics,
		HealthChecks: map[string]HealthCheckFunc{
			"database": db.HealthCheck,
		},
		Version: "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.APIKeys == nil {
		deps.Authenticator = auth.NewAuthenticator(auth.AuthenticatorDeps{
			Codec: codec,
			Users: env.users,
			Now:   clock.Now,
		})
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.now = clock.Now

	env.srv = srv
	env.router = srv.buildRouter()
	return env
}

var (
	testHashOnce sync.Once
	testHash     string
)

// seedUser inserts an active account whose password is testPassword.
func (e *testEnv) seedUser(t *testing.T, email string, role auth.Role) *auth.User {
	t.Helper()

	testHashOnce.Do(func() {
		h, err := auth.HashPassword(testPassword)
		if err != nil {
			panic(err)
		}
		testHash = h
	})

	user := &auth.User{
		Email:        email,
		DisplayName:  email,
		PasswordHash: testHash,
		Role:         role,
		IsActive:     true,
	}
	if err := e.users.Create(t.Context(), user); err != nil {
		t.Fatalf("creating user %s: %v", email, err)
	}
	return user
}

// login opens a session through the API and returns the pair.
func (e *testEnv) login(t *testing.T, email string) *auth.TokenPair {
	t.Helper()

	w := e.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": testPassword,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal login response: %v", err)
	}
	return resp.TokenPair
}

// do sends a request through the router. body is JSON-encoded when non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func apiKeyHeader(key string) map[string]string {
	return map[string]string{auth.HeaderAPIKey: key}
}

// decodeError parses a structured error response.
func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()

	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error body %q: %v", w.Body.String(), err)
	}
	return e
}

// expectError asserts the status and error code of a response.
func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()

	if w.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, status, w.Body.String())
	}
	if got := decodeError(t, w); got.Code != code {
		t.Errorf("code = %q, want %q", got.Code, code)
	}
}
