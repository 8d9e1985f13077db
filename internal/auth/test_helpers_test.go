package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gatekeeper/internal/infrastructure/database"
	"github.com/nerrad567/gatekeeper/migrations"
)

const (
	testAccessSecret  = "test-access-secret-0123456789abcdef"
	testRefreshSecret = "test-refresh-secret-0123456789abcdef"
	testPassword      = "test-password"
)

// testDB opens a temporary SQLite database with the embedded migrations applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(t.Context(), database.Config{
		Path:        filepath.Join(t.TempDir(), "auth-test.db"),
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
	return db.DB
}

var (
	testHashOnce sync.Once
	testHash     string
)

// testPasswordHash returns a cached Argon2id hash of testPassword.
func testPasswordHash(t *testing.T) string {
	t.Helper()
	testHashOnce.Do(func() {
		h, err := HashPassword(testPassword)
		if err != nil {
			panic(err)
		}
		testHash = h
	})
	return testHash
}

// seedTestUser inserts an active user whose password is testPassword.
func seedTestUser(t *testing.T, db *sql.DB, email string, role Role) *User {
	t.Helper()

	user := &User{
		Email:        email,
		DisplayName:  email,
		PasswordHash: testPasswordHash(t),
		Role:         role,
		IsActive:     true,
	}
	if err := NewUserRepository(db).Create(t.Context(), user); err != nil {
		t.Fatalf("creating test user %s: %v", email, err)
	}
	return user
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func testCodec(t *testing.T, clock *testClock) *Codec {
	t.Helper()

	c, err := NewCodec(CodecConfig{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return c
}

// recordingSink captures security events.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	event  SecurityEvent
	fields map[string]any
}

func (s *recordingSink) SecurityEvent(_ context.Context, event SecurityEvent, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{event: event, fields: fields})
}

func (s *recordingSink) count(event SecurityEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.event == event {
			n++
		}
	}
	return n
}

// authFixture wires the auth components over one database and clock.
type authFixture struct {
	db            *sql.DB
	clock         *testClock
	codec         *Codec
	users         *SQLiteUserRepository
	tokens        *SQLiteTokenRepository
	apiKeys       *SQLiteAPIKeyRepository
	authenticator *Authenticator
	refresher     *Refresher
	events        *recordingSink
}

func newAuthFixture(t *testing.T, rotate bool) *authFixture {
	t.Helper()

	db := testDB(t)
	clock := newTestClock()
	codec := testCodec(t, clock)

	users := NewUserRepository(db)
	users.now = clock.Now
	tokens := NewTokenRepository(db)
	tokens.now = clock.Now
	apiKeys := NewAPIKeyRepository(db)
	apiKeys.now = clock.Now
	events := &recordingSink{}

	return &authFixture{
		db:      db,
		clock:   clock,
		codec:   codec,
		users:   users,
		tokens:  tokens,
		apiKeys: apiKeys,
		events:  events,
		authenticator: NewAuthenticator(AuthenticatorDeps{
			Codec:   codec,
			Users:   users,
			APIKeys: apiKeys,
			Now:     clock.Now,
		}),
		refresher: NewRefresher(RefresherDeps{
			Codec:  codec,
			Users:  users,
			Tokens: tokens,
			Events: events,
			Rotate: rotate,
			Now:    clock.Now,
		}),
	}
}
