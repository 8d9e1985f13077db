package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RefresherDeps holds the collaborators of a Refresher.
type RefresherDeps struct {
	Codec  *Codec
	Users  UserRepository
	Tokens TokenRepository
	Events EventSink
	Logger *slog.Logger

	// Rotate issues a new refresh token on every refresh and revokes the
	// presented one. When false the presented token stays valid until it
	// expires.
	Rotate bool

	Now func() time.Time
}

// Refresher owns the session lifecycle: login, refresh with rotation,
// logout and revocation.
type Refresher struct {
	codec  *Codec
	users  UserRepository
	tokens TokenRepository
	events EventSink
	logger *slog.Logger
	rotate bool
	now    func() time.Time
}

// NewRefresher creates a Refresher.
func NewRefresher(deps RefresherDeps) *Refresher {
	f := &Refresher{
		codec:  deps.Codec,
		users:  deps.Users,
		tokens: deps.Tokens,
		events: deps.Events,
		logger: deps.Logger,
		rotate: deps.Rotate,
		now:    deps.Now,
	}
	if f.events == nil {
		f.events = nopSink{}
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// Refresh exchanges a refresh token for a new access token, and for a new
// refresh token when rotation is enabled.
//
// Presenting a token that was already revoked is treated as replay: the
// whole family descended from the same login is revoked. A correctly signed
// token past its exp fails as expired and its record is deleted.
func (f *Refresher) Refresh(ctx context.Context, raw string, meta SessionMeta) (*TokenPair, error) {
	if raw == "" {
		return nil, ErrInvalidRefreshCredential
	}

	claims, tokenExpired, err := f.codec.VerifyAllowExpired(raw, KindRefresh)
	if err != nil && !tokenExpired {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefreshCredential, err)
	}

	hash := HashToken(raw)
	rec, err := f.tokens.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, fmt.Errorf("%w: no refresh record", ErrInvalidRefreshCredential)
		}
		return nil, err
	}
	if rec.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidRefreshCredential)
	}

	if rec.IsRevoked() {
		return nil, f.replayDetected(ctx, rec, meta)
	}
	if tokenExpired || rec.IsExpired(f.now()) {
		if err := f.tokens.Delete(ctx, hash); err != nil {
			f.logger.Warn("deleting expired refresh record failed", "session_id", rec.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: refresh record expired", ErrRefreshCredentialExpired)
	}

	user, err := f.users.FindActiveByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrSubjectInactive
		}
		return nil, err
	}

	next := Claims{UserID: user.ID, Email: user.Email, Role: user.Role}
	access, err := f.codec.IssueAccessToken(next)
	if err != nil {
		return nil, err
	}

	if !f.rotate {
		return f.pair(access, raw, rec.ExpiresAt, rec.ID), nil
	}

	refresh, err := f.codec.IssueRefreshToken(next)
	if err != nil {
		return nil, err
	}

	successor := &RefreshToken{
		UserID:     user.ID,
		FamilyID:   rec.FamilyID,
		TokenHash:  HashToken(refresh.Value),
		DeviceInfo: firstNonEmpty(meta.DeviceInfo, rec.DeviceInfo),
		IPAddress:  firstNonEmpty(meta.IPAddress, rec.IPAddress),
		IssuedAt:   f.now().UTC().Truncate(time.Second),
		ExpiresAt:  refresh.ExpiresAt,
	}
	if err := f.tokens.Rotate(ctx, hash, successor); err != nil {
		return nil, err
	}

	return f.pair(access, refresh.Value, refresh.ExpiresAt, successor.ID), nil
}

func (f *Refresher) replayDetected(ctx context.Context, rec *RefreshToken, meta SessionMeta) error {
	revoked, err := f.tokens.RevokeFamily(ctx, rec.FamilyID)
	if err != nil {
		return err
	}

	f.logger.Warn("refresh token replay detected",
		"user_id", rec.UserID,
		"family_id", rec.FamilyID,
		"session_id", rec.ID,
		"ip", meta.IPAddress,
		"revoked", revoked,
	)
	f.events.SecurityEvent(ctx, EventRefreshReplay, map[string]any{
		"user_id":    rec.UserID,
		"family_id":  rec.FamilyID,
		"session_id": rec.ID,
		"ip_address": meta.IPAddress,
		"revoked":    revoked,
	})

	return fmt.Errorf("%w: refresh token reused", ErrRefreshCredentialExpired)
}

// Logout revokes the presented refresh token. Unknown and already revoked
// tokens are accepted silently so logout can be retried.
func (f *Refresher) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return ErrInvalidRefreshCredential
	}
	return f.tokens.Revoke(ctx, HashToken(raw))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
