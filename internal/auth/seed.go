package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
)

const (
	// DefaultBootstrapEmail is used when no bootstrap admin email is configured.
	DefaultBootstrapEmail = "admin@localhost"

	bootstrapPasswordBytes = 18
)

// SeedAdmin creates an admin account on first boot when no users exist.
// It returns the generated password, or "" when seeding was skipped. The
// password is never logged; the caller shows it to the operator once.
func SeedAdmin(ctx context.Context, users UserRepository, email string, logger *slog.Logger) (string, error) {
	count, err := users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Debug("users exist, skipping admin bootstrap")
		return "", nil
	}

	if email == "" {
		email = DefaultBootstrapEmail
	}

	b := make([]byte, bootstrapPasswordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating bootstrap password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(b)

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing bootstrap password: %w", err)
	}

	admin := &User{
		Email:        email,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Role:         RoleAdmin,
		IsActive:     true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return "", fmt.Errorf("creating bootstrap admin: %w", err)
	}

	logger.Warn("bootstrap admin account created",
		"user_id", admin.ID,
		"email", admin.Email,
		"action_required", "change the printed password immediately",
	)
	return password, nil
}
