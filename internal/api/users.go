package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

// ─── Request/Response Types ────────────────────────────────────────

type createUserRequest struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Password    string    `json:"password"`
	Role        auth.Role `json:"role"`
}

type updateUserRequest struct {
	DisplayName *string    `json:"display_name,omitempty"`
	Email       *string    `json:"email,omitempty"`
	Role        *auth.Role `json:"role,omitempty"`
	IsActive    *bool      `json:"is_active,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ─── Handlers ──────────────────────────────────────────────────────

// handleListUsers returns all user accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.userRepo.List(r.Context())
	if err != nil {
		s.writeStoreError(w, r, "failed to list users", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleCreateUser creates a user account with any role.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	caller := IdentityFromContext(r.Context())

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	email := auth.NormalizeEmail(req.Email)
	if !auth.IsValidEmail(email) {
		writeValidationError(w, "a valid email is required")
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	if !auth.IsValidRole(req.Role) {
		writeValidationError(w, "invalid role: must be user or admin")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to create user")
		return
	}

	user := &auth.User{
		Email:        email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
		CreatedBy:    caller.ID,
	}
	if user.DisplayName == "" {
		user.DisplayName = email
	}

	if err := s.userRepo.Create(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrEmailExists) {
			writeConflict(w, "email already registered")
			return
		}
		s.writeStoreError(w, r, "failed to create user", err)
		return
	}

	s.logger.Info("user created", "user_id", user.ID, "role", user.Role, "created_by", caller.ID)
	s.auditLog(r, "create", "user", user.ID, caller.ID, map[string]any{
		"role": user.Role,
	})

	writeJSON(w, http.StatusCreated, user)
}

// handleGetUser returns a single user by ID.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadUser(w, r, "failed to get user")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser patches a user's mutable fields. Role and active-flag
// changes are reserved for admins, who cannot apply either to themselves.
// Deactivation revokes every session the user holds.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) { //nolint:gocognit,gocyclo // field patching + self-protection + admin-only fields
	caller := IdentityFromContext(r.Context())
	id := chi.URLParam(r, "userID")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if (req.Role != nil || req.IsActive != nil) && !caller.IsAdmin() {
		writeAuthError(w, auth.ErrInsufficientRole)
		return
	}

	// Self-protection: cannot deactivate yourself
	if req.IsActive != nil && !*req.IsActive && id == caller.ID {
		writeForbidden(w, "cannot deactivate your own account")
		return
	}

	// Self-protection: cannot change your own role
	if req.Role != nil && id == caller.ID && *req.Role != caller.Role {
		writeForbidden(w, "cannot change your own role")
		return
	}

	if req.Role != nil && !auth.IsValidRole(*req.Role) {
		writeValidationError(w, "invalid role: must be user or admin")
		return
	}
	if req.Email != nil && !auth.IsValidEmail(auth.NormalizeEmail(*req.Email)) {
		writeValidationError(w, "a valid email is required")
		return
	}

	user, ok := s.loadUser(w, r, "failed to update user")
	if !ok {
		return
	}
	wasActive := user.IsActive

	// Apply patches
	if req.DisplayName != nil {
		user.DisplayName = *req.DisplayName
	}
	if req.Email != nil {
		user.Email = auth.NormalizeEmail(*req.Email)
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	if err := s.userRepo.Update(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrEmailExists) {
			writeConflict(w, "email already registered")
			return
		}
		s.writeStoreError(w, r, "failed to update user", err)
		return
	}

	s.logger.Info("user updated", "user_id", id, "updated_by", caller.ID)
	s.auditLog(r, "update", "user", id, caller.ID, nil)

	if wasActive && !user.IsActive {
		s.events.SecurityEvent(r.Context(), auth.EventUserDeactivated, map[string]any{
			"user_id":    id,
			"actor_id":   caller.ID,
			"ip_address": clientIP(r),
		})
		s.revokeAllSessions(r, id, "deactivated")
	}

	writeJSON(w, http.StatusOK, user)
}

// handleChangePassword replaces a user's password and revokes every session.
// Users changing their own password must present the current one; admins
// resetting another account need not.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	caller := IdentityFromContext(r.Context())
	id := chi.URLParam(r, "userID")

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	user, ok := s.loadUser(w, r, "failed to change password")
	if !ok {
		return
	}

	if id == caller.ID || !caller.IsAdmin() {
		match, err := auth.VerifyPassword(req.CurrentPassword, user.PasswordHash)
		if err != nil {
			s.logger.Error("verify password failed", "user_id", id, "error", err)
			writeInternalError(w, "failed to change password")
			return
		}
		if !match {
			writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "current password is incorrect")
			return
		}
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to change password")
		return
	}
	if err := s.userRepo.UpdatePassword(r.Context(), id, hash); err != nil {
		s.writeStoreError(w, r, "failed to change password", err)
		return
	}

	s.logger.Info("password changed", "user_id", id, "changed_by", caller.ID)
	s.auditLog(r, "change_password", "user", id, caller.ID, nil)
	s.revokeAllSessions(r, id, "password_changed")

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteUser removes a user account. Its sessions and API keys go
// with it.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	caller := IdentityFromContext(r.Context())
	id := chi.URLParam(r, "userID")

	// Cannot delete yourself
	if id == caller.ID {
		writeForbidden(w, "cannot delete your own account")
		return
	}

	if err := s.userRepo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.writeStoreError(w, r, "failed to delete user", err)
		return
	}

	s.logger.Info("user deleted", "user_id", id, "deleted_by", caller.ID)
	s.auditLog(r, "delete", "user", id, caller.ID, nil)

	w.WriteHeader(http.StatusNoContent)
}

// handleListUserSessions returns the live sessions of the user in the path.
func (s *Server) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")

	sessions, err := s.refresher.ListSessions(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, "failed to list sessions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleRevokeUserSessions revokes every session of the user in the path.
func (s *Server) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	caller := IdentityFromContext(r.Context())
	id := chi.URLParam(r, "userID")

	reason := "logout_all"
	if id != caller.ID {
		reason = "revoked_by_admin"
	}

	n, err := s.refresher.RevokeAll(r.Context(), id, reason)
	if err != nil {
		s.writeStoreError(w, r, "failed to revoke sessions", err)
		return
	}

	s.logger.Info("user sessions revoked", "user_id", id, "revoked_by", caller.ID, "revoked", n)
	s.auditLog(r, "revoke_sessions", "user", id, caller.ID, map[string]any{"revoked": n})

	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

// loadUser fetches the user named by the userID route parameter and writes
// the error response itself when that fails.
func (s *Server) loadUser(w http.ResponseWriter, r *http.Request, msg string) (*auth.User, bool) {
	user, err := s.userRepo.GetByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return nil, false
		}
		s.writeStoreError(w, r, msg, err)
		return nil, false
	}
	return user, true
}

// revokeAllSessions revokes a user's sessions after a credential-affecting
// change. The change itself has already been committed, so a failure here
// is logged rather than returned.
func (s *Server) revokeAllSessions(r *http.Request, userID, reason string) {
	if _, err := s.refresher.RevokeAll(r.Context(), userID, reason); err != nil {
		s.logger.Error("revoke sessions failed",
			"user_id", userID,
			"reason", reason,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
	}
}
