package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

// Outcome scheme labels for credential exchanges that are not request
// authentication schemes.
const (
	schemePassword auth.Scheme = "password"
	schemeRefresh  auth.Scheme = "refresh"
)

// ─── Request/Response Types ────────────────────────────────────────

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// sessionResponse is the body returned by register, login and refresh.
type sessionResponse struct {
	*auth.TokenPair
	User *auth.User `json:"user,omitempty"`
}

type meResponse struct {
	Identity *auth.Identity `json:"identity"`
	User     *auth.User     `json:"user"`
}

// ─── Handlers ──────────────────────────────────────────────────────

// handleRegister creates a user account with the user role and opens a session.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
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

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to register")
		return
	}

	user := &auth.User{
		Email:        email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         auth.RoleUser,
		IsActive:     true,
	}
	if user.DisplayName == "" {
		user.DisplayName = email
	}

	if err := s.userRepo.Create(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrEmailExists) {
			writeConflict(w, "email already registered")
			return
		}
		s.writeStoreError(w, r, "failed to register", err)
		return
	}

	pair, err := s.refresher.IssueSession(r.Context(), user, sessionMeta(r))
	if err != nil {
		s.writeStoreError(w, r, "failed to open session", err)
		return
	}

	s.logger.Info("user registered", "user_id", user.ID, "ip", clientIP(r))
	s.auditLog(r, "register", "user", user.ID, user.ID, nil)

	writeJSON(w, http.StatusCreated, sessionResponse{TokenPair: pair, User: user})
}

// handleLogin exchanges an email and password for a token pair. Every
// credential failure gets the same response.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeBadRequest(w, "email and password are required")
		return
	}

	pair, user, err := s.refresher.Login(r.Context(), req.Email, req.Password, sessionMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidLogin) {
			s.recordOutcome(schemePassword, ErrCodeInvalidCredentials)
			writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid email or password")
			return
		}
		s.recordOutcome(schemePassword, outcomeCode(err))
		s.writeStoreError(w, r, "login failed", err)
		return
	}

	s.recordOutcome(schemePassword, outcomeOK)
	s.logger.Info("login", "user_id", user.ID, "session_id", pair.SessionID, "ip", clientIP(r))
	s.auditLog(r, "login", "session", pair.SessionID, user.ID, nil)

	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, User: user})
}

// handleRefresh exchanges a refresh token for a new pair. All credential
// failures render as invalid_refresh_credential; the real cause is logged.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	pair, err := s.refresher.Refresh(r.Context(), req.RefreshToken, sessionMeta(r))
	if err != nil {
		s.refreshFailed(w, r, err)
		return
	}

	s.recordOutcome(schemeRefresh, outcomeOK)
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair})
}

func (s *Server) refreshFailed(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := classifyAuthError(err); !ok || errors.Is(err, auth.ErrStoreUnavailable) {
		s.recordOutcome(schemeRefresh, outcomeCode(err))
		s.writeStoreError(w, r, "refresh failed", err)
		return
	}

	s.recordOutcome(schemeRefresh, ErrCodeInvalidRefreshCredential)
	s.logger.Warn("refresh rejected",
		"ip", clientIP(r),
		"path", r.URL.Path,
		"method", r.Method,
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	)
	writeAuthError(w, auth.ErrInvalidRefreshCredential)
}

// handleLogout revokes the presented refresh token. Unknown and already
// revoked tokens still succeed.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.refresher.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrStoreUnavailable) {
			s.writeStoreError(w, r, "logout failed", err)
			return
		}
		writeAuthError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleLogoutAll revokes every session of the caller.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	n, err := s.refresher.RevokeAll(r.Context(), id.ID, "logout_all")
	if err != nil {
		s.writeStoreError(w, r, "failed to revoke sessions", err)
		return
	}

	s.auditLog(r, "logout_all", "session", "", id.ID, map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

// handleListSessions returns the caller's live sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	sessions, err := s.refresher.ListSessions(r.Context(), id.ID)
	if err != nil {
		s.writeStoreError(w, r, "failed to list sessions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleRevokeSession revokes one of the caller's sessions.
func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.refresher.RevokeSession(r.Context(), id.ID, sessionID); err != nil {
		if errors.Is(err, auth.ErrRefreshTokenNotFound) {
			writeNotFound(w, "session not found")
			return
		}
		s.writeStoreError(w, r, "failed to revoke session", err)
		return
	}

	s.auditLog(r, "revoke", "session", sessionID, id.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the caller's identity and account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	user, err := s.userRepo.GetByID(r.Context(), id.ID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeAuthError(w, auth.ErrSubjectInactive)
			return
		}
		s.writeStoreError(w, r, "failed to load account", err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{Identity: id, User: user})
}
