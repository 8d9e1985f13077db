package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

func TestListUsers_RoleGuard(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	user := env.seedUser(t, "user@example.com", auth.RoleUser)

	w := env.do(t, http.MethodGet, "/api/v1/users", nil, bearer(env.login(t, user.Email).AccessToken))
	expectError(t, w, http.StatusForbidden, ErrCodeInsufficientRole)

	w = env.do(t, http.MethodGet, "/api/v1/users", nil, bearer(env.login(t, admin.Email).AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Users []auth.User `json:"users"`
		Count int         `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	token := env.login(t, admin.Email).AccessToken

	w := env.do(t, http.MethodPost, "/api/v1/users", map[string]string{
		"email":    "ops@example.com",
		"password": testPassword,
		"role":     "admin",
	}, bearer(token))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body.String())
	}
	var created auth.User
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Role != auth.RoleAdmin || created.CreatedBy != admin.ID {
		t.Errorf("created = %+v", created)
	}

	w = env.do(t, http.MethodPost, "/api/v1/users", map[string]string{
		"email":    "bad-role@example.com",
		"password": testPassword,
		"role":     "root",
	}, bearer(token))
	expectError(t, w, http.StatusUnprocessableEntity, ErrCodeValidation)
}

func TestGetUser_Ownership(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	owner := env.seedUser(t, "owner@example.com", auth.RoleUser)
	other := env.seedUser(t, "other@example.com", auth.RoleUser)

	path := "/api/v1/users/" + owner.ID

	w := env.do(t, http.MethodGet, path, nil, bearer(env.login(t, other.Email).AccessToken))
	expectError(t, w, http.StatusForbidden, ErrCodeAccessDenied)

	for _, email := range []string{owner.Email, admin.Email} {
		w = env.do(t, http.MethodGet, path, nil, bearer(env.login(t, email).AccessToken))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", email, w.Code)
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/users/missing", nil, bearer(env.login(t, admin.Email).AccessToken))
	expectError(t, w, http.StatusNotFound, ErrCodeNotFound)
}

func TestDeactivation_TakesEffectImmediately(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	user := env.seedUser(t, "leaver@example.com", auth.RoleUser)
	pair := env.login(t, user.Email)

	w := env.do(t, http.MethodGet, "/api/v1/auth/me", nil, bearer(pair.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("before deactivation status = %d, want 200", w.Code)
	}

	w = env.do(t, http.MethodPatch, "/api/v1/users/"+user.ID, map[string]any{"is_active": false},
		bearer(env.login(t, admin.Email).AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	// The access token has not expired but its subject is no longer active.
	w = env.do(t, http.MethodGet, "/api/v1/auth/me", nil, bearer(pair.AccessToken))
	expectError(t, w, http.StatusUnauthorized, ErrCodeSubjectInactive)

	sessions, err := env.tokens.ListActiveByUser(t.Context(), user.ID)
	if err != nil {
		t.Fatalf("ListActiveByUser() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("live sessions after deactivation = %d, want 0", len(sessions))
	}
	if got := env.events.count(auth.EventUserDeactivated); got != 1 {
		t.Errorf("user_deactivated events = %d, want 1", got)
	}
}

func TestUpdateUser_Guards(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	user := env.seedUser(t, "user@example.com", auth.RoleUser)
	adminToken := env.login(t, admin.Email).AccessToken
	userToken := env.login(t, user.Email).AccessToken

	tests := []struct {
		name   string
		token  string
		target string
		body   map[string]any
		status int
		code   string
	}{
		{"user promotes self", userToken, user.ID, map[string]any{"role": "admin"}, http.StatusForbidden, ErrCodeInsufficientRole},
		{"user reactivates self", userToken, user.ID, map[string]any{"is_active": true}, http.StatusForbidden, ErrCodeInsufficientRole},
		{"admin deactivates self", adminToken, admin.ID, map[string]any{"is_active": false}, http.StatusForbidden, ErrCodeForbidden},
		{"admin demotes self", adminToken, admin.ID, map[string]any{"role": "user"}, http.StatusForbidden, ErrCodeForbidden},
		{"invalid role", adminToken, user.ID, map[string]any{"role": "root"}, http.StatusUnprocessableEntity, ErrCodeValidation},
		{"invalid email", adminToken, user.ID, map[string]any{"email": "nope"}, http.StatusUnprocessableEntity, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPatch, "/api/v1/users/"+tt.target, tt.body, bearer(tt.token))
			expectError(t, w, tt.status, tt.code)
		})
	}

	w := env.do(t, http.MethodPatch, "/api/v1/users/"+user.ID, map[string]any{"display_name": "Renamed"}, bearer(userToken))
	if w.Code != http.StatusOK {
		t.Fatalf("self rename status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	got, err := env.users.GetByID(t.Context(), user.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.DisplayName != "Renamed" || got.Role != auth.RoleUser {
		t.Errorf("user = %+v, want renamed with role unchanged", got)
	}
}

func TestChangePassword_RevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "rotate@example.com", auth.RoleUser)
	pair := env.login(t, user.Email)
	path := "/api/v1/users/" + user.ID + "/password"

	w := env.do(t, http.MethodPut, path, map[string]string{
		"current_password": "not-my-password",
		"new_password":     "a-brand-new-passphrase",
	}, bearer(pair.AccessToken))
	expectError(t, w, http.StatusUnauthorized, ErrCodeInvalidCredentials)

	w = env.do(t, http.MethodPut, path, map[string]string{
		"current_password": testPassword,
		"new_password":     "short",
	}, bearer(pair.AccessToken))
	expectError(t, w, http.StatusUnprocessableEntity, ErrCodeValidation)

	w = env.do(t, http.MethodPut, path, map[string]string{
		"current_password": testPassword,
		"new_password":     "a-brand-new-passphrase",
	}, bearer(pair.AccessToken))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204; body: %s", w.Code, w.Body.String())
	}

	if _, status, _ := refresh(t, env, pair.RefreshToken); status != http.StatusUnauthorized {
		t.Errorf("refresh after password change status = %d, want 401", status)
	}

	w = env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    user.Email,
		"password": "a-brand-new-passphrase",
	}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("login with new password status = %d, want 200", w.Code)
	}
}

func TestChangePassword_AdminReset(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	user := env.seedUser(t, "forgetful@example.com", auth.RoleUser)

	w := env.do(t, http.MethodPut, "/api/v1/users/"+user.ID+"/password", map[string]string{
		"new_password": "reset-by-the-admin",
	}, bearer(env.login(t, admin.Email).AccessToken))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204; body: %s", w.Code, w.Body.String())
	}
}

func TestDeleteUser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	user := env.seedUser(t, "doomed@example.com", auth.RoleUser)
	token := env.login(t, admin.Email).AccessToken

	w := env.do(t, http.MethodDelete, "/api/v1/users/"+admin.ID, nil, bearer(token))
	expectError(t, w, http.StatusForbidden, ErrCodeForbidden)

	w = env.do(t, http.MethodDelete, "/api/v1/users/"+user.ID, nil, bearer(token))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodDelete, "/api/v1/users/"+user.ID, nil, bearer(token))
	expectError(t, w, http.StatusNotFound, ErrCodeNotFound)
}

func TestUserSessions_AdminRevoke(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "admin@example.com", auth.RoleAdmin)
	user := env.seedUser(t, "user@example.com", auth.RoleUser)
	pair := env.login(t, user.Email)
	adminToken := env.login(t, admin.Email).AccessToken
	path := "/api/v1/users/" + user.ID + "/sessions"

	w := env.do(t, http.MethodGet, path, nil, bearer(adminToken))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}

	w = env.do(t, http.MethodDelete, path, nil, bearer(adminToken))
	if w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Revoked int64 `json:"revoked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Revoked != 1 {
		t.Errorf("revoked = %d, want 1", resp.Revoked)
	}
	if _, status, _ := refresh(t, env, pair.RefreshToken); status != http.StatusUnauthorized {
		t.Errorf("refresh after admin revoke status = %d, want 401", status)
	}
}
