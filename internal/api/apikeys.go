package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gatekeeper/internal/auth"
)

const (
	maxAPIKeyNameLength = 100
	maxAPIKeyTTLDays    = 3650
)

type createAPIKeyRequest struct {
	Name string `json:"name"`

	// ExpiresInDays overrides the configured default. Zero means no expiry.
	ExpiresInDays *int `json:"expires_in_days,omitempty"`
}

// createAPIKeyResponse carries the raw key. It is shown exactly once.
type createAPIKeyResponse struct {
	Key    string       `json:"key"`
	APIKey *auth.APIKey `json:"api_key"`
}

// handleCreateAPIKey mints an API key for the user in the path. Keys can
// only be minted from a bearer session so a leaked key cannot mint more.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if !s.apiKeysEnabled(w) {
		return
	}
	caller := IdentityFromContext(r.Context())
	userID := chi.URLParam(r, "userID")

	if caller.Scheme != auth.SchemeBearer {
		s.denied(w, r, auth.Decision{Reason: auth.ErrAccessDenied})
		return
	}

	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxAPIKeyNameLength {
		writeValidationError(w, "name is required and must be at most 100 characters")
		return
	}

	days := s.secCfg.APIKeys.DefaultTTL
	if req.ExpiresInDays != nil {
		days = *req.ExpiresInDays
	}
	if days < 0 || days > maxAPIKeyTTLDays {
		writeValidationError(w, "expires_in_days must be between 0 and 3650")
		return
	}

	if _, ok := s.loadUser(w, r, "failed to create api key"); !ok {
		return
	}

	raw, prefix, hash, err := auth.GenerateAPIKey()
	if err != nil {
		s.logger.Error("generate api key failed", "error", err)
		writeInternalError(w, "failed to create api key")
		return
	}

	key := &auth.APIKey{
		UserID:  userID,
		Name:    req.Name,
		Prefix:  prefix,
		KeyHash: hash,
	}
	if days > 0 {
		expires := s.now().UTC().Add(time.Duration(days) * 24 * time.Hour).Truncate(time.Second)
		key.ExpiresAt = &expires
	}

	if err := s.apiKeyRepo.Create(r.Context(), key); err != nil {
		s.writeStoreError(w, r, "failed to create api key", err)
		return
	}

	s.logger.Info("api key created", "user_id", userID, "key_id", key.ID, "prefix", prefix, "created_by", caller.ID)
	s.auditLog(r, "create", "api_key", key.ID, caller.ID, map[string]any{
		"owner_id": userID,
		"prefix":   prefix,
	})

	writeJSON(w, http.StatusCreated, createAPIKeyResponse{Key: raw, APIKey: key})
}

// handleListAPIKeys returns the API keys of the user in the path. Raw keys
// and hashes are never returned.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if !s.apiKeysEnabled(w) {
		return
	}

	keys, err := s.apiKeyRepo.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeStoreError(w, r, "failed to list api keys", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"api_keys": keys,
		"count":    len(keys),
	})
}

// handleRevokeAPIKey revokes one API key of the user in the path.
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if !s.apiKeysEnabled(w) {
		return
	}
	caller := IdentityFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	keyID := chi.URLParam(r, "keyID")

	if err := s.apiKeyRepo.Revoke(r.Context(), userID, keyID); err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			writeNotFound(w, "api key not found")
			return
		}
		s.writeStoreError(w, r, "failed to revoke api key", err)
		return
	}

	s.logger.Info("api key revoked", "user_id", userID, "key_id", keyID, "revoked_by", caller.ID)
	s.auditLog(r, "revoke", "api_key", keyID, caller.ID, map[string]any{"owner_id": userID})

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiKeysEnabled(w http.ResponseWriter) bool {
	if s.apiKeyRepo == nil {
		writeNotFound(w, "api keys are disabled")
		return false
	}
	return true
}
