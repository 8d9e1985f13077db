package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SessionMeta describes the client a session was issued to.
type SessionMeta struct {
	DeviceInfo string
	IPAddress  string
}

// TokenPair is the credential pair returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// Login checks an email and password and opens a new session. Every failure
// is ErrInvalidLogin so callers cannot learn whether the email exists; the
// actual cause is reported through the event sink.
func (f *Refresher) Login(ctx context.Context, email, password string, meta SessionMeta) (*TokenPair, *User, error) {
	user, err := f.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			burnPasswordCheck(password)
			f.loginFailed(ctx, "", "unknown_email", meta)
			return nil, nil, ErrInvalidLogin
		}
		return nil, nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("verifying password for %s: %w", user.ID, err)
	}
	if !ok {
		f.loginFailed(ctx, user.ID, "bad_password", meta)
		return nil, nil, ErrInvalidLogin
	}
	if !user.IsActive {
		f.loginFailed(ctx, user.ID, "inactive", meta)
		return nil, nil, ErrInvalidLogin
	}

	pair, err := f.IssueSession(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

func (f *Refresher) loginFailed(ctx context.Context, userID, reason string, meta SessionMeta) {
	f.events.SecurityEvent(ctx, EventLoginFailed, map[string]any{
		"user_id":    userID,
		"reason":     reason,
		"ip_address": meta.IPAddress,
	})
}

// IssueSession issues an access token and a refresh token for user and
// persists the refresh record as the first member of a new family.
func (f *Refresher) IssueSession(ctx context.Context, user *User, meta SessionMeta) (*TokenPair, error) {
	claims := Claims{UserID: user.ID, Email: user.Email, Role: user.Role}

	access, err := f.codec.IssueAccessToken(claims)
	if err != nil {
		return nil, err
	}
	refresh, err := f.codec.IssueRefreshToken(claims)
	if err != nil {
		return nil, err
	}

	record := &RefreshToken{
		UserID:     user.ID,
		TokenHash:  HashToken(refresh.Value),
		DeviceInfo: meta.DeviceInfo,
		IPAddress:  meta.IPAddress,
		IssuedAt:   f.now().UTC().Truncate(time.Second),
		ExpiresAt:  refresh.ExpiresAt,
	}
	if err := f.tokens.Create(ctx, record); err != nil {
		return nil, err
	}

	return f.pair(access, refresh.Value, refresh.ExpiresAt, record.ID), nil
}

func (f *Refresher) pair(access IssuedToken, refresh string, refreshExpiresAt time.Time, sessionID string) *TokenPair {
	return &TokenPair{
		AccessToken:      access.Value,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(f.codec.AccessTTL().Seconds()),
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		SessionID:        sessionID,
	}
}

// ListSessions returns the user's live refresh records.
func (f *Refresher) ListSessions(ctx context.Context, userID string) ([]RefreshToken, error) {
	return f.tokens.ListActiveByUser(ctx, userID)
}

// RevokeSession revokes one of the user's sessions by ID.
func (f *Refresher) RevokeSession(ctx context.Context, userID, sessionID string) error {
	return f.tokens.RevokeByID(ctx, userID, sessionID)
}

// RevokeAll revokes every session the user holds and reports the count.
func (f *Refresher) RevokeAll(ctx context.Context, userID, reason string) (int64, error) {
	n, err := f.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	f.events.SecurityEvent(ctx, EventSessionsRevoked, map[string]any{
		"user_id": userID,
		"reason":  reason,
		"revoked": n,
	})
	return n, nil
}
