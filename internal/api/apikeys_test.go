package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

// createAPIKey mints a key for userID through the API and returns the raw value.
func createAPIKey(t *testing.T, env *testEnv, userID, accessToken string) string {
	t.Helper()

	w := env.do(t, http.MethodPost, "/api/v1/users/"+userID+"/api-keys",
		map[string]string{"name": "ci"}, bearer(accessToken))
	if w.Code != http.StatusCreated {
		t.Fatalf("create api key status = %d, want 201; body: %s", w.Code, w.Body.String())
	}
	var resp createAPIKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp.Key
}

func TestAPIKey_CreateAndAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "robot@example.com", auth.RoleUser)
	pair := env.login(t, user.Email)

	w := env.do(t, http.MethodPost, "/api/v1/users/"+user.ID+"/api-keys",
		map[string]string{"name": "deploy bot"}, bearer(pair.AccessToken))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body.String())
	}
	var created createAPIKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Key == "" || !strings.HasPrefix(created.Key, created.APIKey.Prefix) {
		t.Errorf("key %q should start with prefix %q", created.Key, created.APIKey.Prefix)
	}
	if created.APIKey.ExpiresAt == nil {
		t.Fatal("default TTL should set an expiry")
	}
	if got := created.APIKey.ExpiresAt.Sub(env.clock.Now()); got != 30*24*time.Hour {
		t.Errorf("key lifetime = %v, want 30 days", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/auth/sessions", nil, apiKeyHeader(created.Key))
	if w.Code != http.StatusOK {
		t.Fatalf("api key auth status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if !env.metrics.has("api_key/ok") {
		t.Error("api key authentication should be recorded")
	}

	w = env.do(t, http.MethodGet, "/api/v1/users/"+user.ID+"/api-keys", nil, bearer(pair.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	if strings.Contains(w.Body.String(), created.Key) {
		t.Error("listing leaks the raw key")
	}
	var list struct {
		APIKeys []auth.APIKey `json:"api_keys"`
		Count   int           `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if list.Count != 1 || list.APIKeys[0].LastUsedAt == nil {
		t.Errorf("keys = %+v, want one key with last use recorded", list.APIKeys)
	}
}

func TestAPIKey_NoExpiry(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "forever@example.com", auth.RoleUser)
	pair := env.login(t, user.Email)

	w := env.do(t, http.MethodPost, "/api/v1/users/"+user.ID+"/api-keys",
		map[string]any{"name": "forever", "expires_in_days": 0}, bearer(pair.AccessToken))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body.String())
	}
	var created createAPIKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.APIKey.ExpiresAt != nil {
		t.Errorf("expires_at = %v, want none", created.APIKey.ExpiresAt)
	}
}

func TestAPIKey_CannotMintFromKey(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "chain@example.com", auth.RoleUser)
	raw := createAPIKey(t, env, user.ID, env.login(t, user.Email).AccessToken)

	w := env.do(t, http.MethodPost, "/api/v1/users/"+user.ID+"/api-keys",
		map[string]string{"name": "child"}, apiKeyHeader(raw))
	expectError(t, w, http.StatusForbidden, ErrCodeAccessDenied)
}

func TestAPIKey_Validation(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "valid@example.com", auth.RoleUser)
	token := env.login(t, user.Email).AccessToken
	path := "/api/v1/users/" + user.ID + "/api-keys"

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"name": "  "}},
		{"long name", map[string]any{"name": strings.Repeat("k", maxAPIKeyNameLength+1)}},
		{"negative ttl", map[string]any{"name": "x", "expires_in_days": -1}},
		{"ttl too long", map[string]any{"name": "x", "expires_in_days": maxAPIKeyTTLDays + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, path, tt.body, bearer(token))
			expectError(t, w, http.StatusUnprocessableEntity, ErrCodeValidation)
		})
	}
}

func TestAPIKey_Ownership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "owner@example.com", auth.RoleUser)
	other := env.seedUser(t, "other@example.com", auth.RoleUser)

	w := env.do(t, http.MethodPost, "/api/v1/users/"+owner.ID+"/api-keys",
		map[string]string{"name": "sneaky"}, bearer(env.login(t, other.Email).AccessToken))
	expectError(t, w, http.StatusForbidden, ErrCodeAccessDenied)
}

func TestAPIKey_Revoke(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "revoker@example.com", auth.RoleUser)
	token := env.login(t, user.Email).AccessToken
	raw := createAPIKey(t, env, user.ID, token)

	keys, err := env.apiKeys.ListByUser(t.Context(), user.ID)
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListByUser() = %v, %v", keys, err)
	}
	path := "/api/v1/users/" + user.ID + "/api-keys/" + keys[0].ID

	w := env.do(t, http.MethodDelete, path, nil, bearer(token))
	if w.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d, want 204; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/auth/sessions", nil, apiKeyHeader(raw))
	expectError(t, w, http.StatusUnauthorized, ErrCodeInvalidCredential)

	w = env.do(t, http.MethodDelete, "/api/v1/users/"+user.ID+"/api-keys/key-missing", nil, bearer(token))
	expectError(t, w, http.StatusNotFound, ErrCodeNotFound)
}

func TestAPIKey_Expired(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "stale@example.com", auth.RoleUser)
	pair := env.login(t, user.Email)

	w := env.do(t, http.MethodPost, "/api/v1/users/"+user.ID+"/api-keys",
		map[string]any{"name": "short", "expires_in_days": 1}, bearer(pair.AccessToken))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	var created createAPIKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	env.clock.Advance(25 * time.Hour)
	w = env.do(t, http.MethodGet, "/api/v1/auth/sessions", nil, apiKeyHeader(created.Key))
	expectError(t, w, http.StatusUnauthorized, ErrCodeCredentialExpired)
}

func TestAPIKey_Disabled(t *testing.T) {
	env := newTestEnv(t, withoutAPIKeys())
	user := env.seedUser(t, "nokeys@example.com", auth.RoleUser)
	token := env.login(t, user.Email).AccessToken

	w := env.do(t, http.MethodPost, "/api/v1/users/"+user.ID+"/api-keys",
		map[string]string{"name": "ci"}, bearer(token))
	expectError(t, w, http.StatusNotFound, ErrCodeNotFound)

	w = env.do(t, http.MethodGet, "/api/v1/auth/sessions", nil, apiKeyHeader("gk_whatever"))
	expectError(t, w, http.StatusUnauthorized, ErrCodeInvalidCredential)
}
