package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HeaderAPIKey carries a raw API key.
const HeaderAPIKey = "X-Api-Key"

const bearerPrefix = "bearer "

// AuthenticatorDeps holds the collaborators of an Authenticator.
type AuthenticatorDeps struct {
	Codec *Codec
	Users UserRepository

	// APIKeys enables the X-Api-Key scheme when non-nil.
	APIKeys APIKeyRepository

	Logger *slog.Logger
	Now    func() time.Time
}

// Authenticator resolves request credentials to an Identity.
//
// Thread Safety: safe for concurrent use; it holds no per-request state.
type Authenticator struct {
	codec   *Codec
	users   UserRepository
	apiKeys APIKeyRepository
	logger  *slog.Logger
	now     func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(deps AuthenticatorDeps) *Authenticator {
	a := &Authenticator{
		codec:   deps.Codec,
		users:   deps.Users,
		apiKeys: deps.APIKeys,
		logger:  deps.Logger,
		now:     deps.Now,
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// APIKeysEnabled reports whether the X-Api-Key scheme is available.
func (a *Authenticator) APIKeysEnabled() bool {
	return a.apiKeys != nil
}

// Authenticate tries each scheme in a fixed order: bearer when an
// Authorization header is present, otherwise API key when X-Api-Key is
// present. A request with neither fails with ErrNoCredential.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return a.AuthenticateBearer(ctx, header)
	}
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return a.AuthenticateAPIKey(ctx, key)
	}
	return nil, ErrNoCredential
}

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrNoCredential
	}
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidCredential)
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrInvalidCredential)
	}
	return token, nil
}

// AuthenticateBearer verifies an access token and checks that its subject
// is still an active account. The identity is bound from the token claims,
// so a role change takes effect when the access token is next reissued.
func (a *Authenticator) AuthenticateBearer(ctx context.Context, header string) (*Identity, error) {
	raw, err := ExtractBearer(header)
	if err != nil {
		return nil, err
	}

	claims, err := a.codec.Verify(raw, KindAccess)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrCredentialExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	if _, err := a.activeUser(ctx, claims.Subject); err != nil {
		return nil, err
	}

	return claims.Identity(), nil
}

// AuthenticateAPIKey resolves a raw API key to its owner. The identity is
// bound from the owner's account record.
func (a *Authenticator) AuthenticateAPIKey(ctx context.Context, key string) (*Identity, error) {
	if key == "" {
		return nil, ErrNoCredential
	}
	if a.apiKeys == nil {
		return nil, fmt.Errorf("%w: api keys are disabled", ErrInvalidCredential)
	}

	rec, err := a.apiKeys.GetByHash(ctx, HashToken(key))
	if err != nil {
		if errors.Is(err, ErrAPIKeyNotFound) {
			return nil, fmt.Errorf("%w: unknown api key", ErrInvalidCredential)
		}
		return nil, err
	}
	if rec.RevokedAt != nil {
		return nil, fmt.Errorf("%w: api key revoked", ErrInvalidCredential)
	}
	if !rec.IsUsable(a.now()) {
		return nil, fmt.Errorf("%w: api key expired", ErrCredentialExpired)
	}

	user, err := a.activeUser(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}

	if err := a.apiKeys.TouchLastUsed(ctx, rec.ID); err != nil {
		a.logger.Warn("recording api key use failed", "key_id", rec.ID, "error", err)
	}

	return &Identity{
		ID:     user.ID,
		Email:  user.Email,
		Role:   user.Role,
		Scheme: SchemeAPIKey,
	}, nil
}

// activeUser maps the liveness lookup onto authentication outcomes.
func (a *Authenticator) activeUser(ctx context.Context, id string) (*User, error) {
	user, err := a.users.FindActiveByID(ctx, id)
	if err == nil {
		return user, nil
	}
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrSubjectInactive
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return nil, err
	}
	return nil, unavailable("finding user", err)
}
