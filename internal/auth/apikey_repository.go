package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// APIKeyPrefix marks gatekeeper API keys so leaked keys are recognisable.
	APIKeyPrefix = "gk_"

	apiKeyRandomBytes  = 32
	apiKeyDisplayChars = 8
)

// GenerateAPIKey returns a new raw key, its display prefix and its storage
// hash. The raw key is shown to the owner once and never stored.
func GenerateAPIKey() (raw, prefix, hash string, err error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("generating api key: %w", err)
	}
	raw = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	prefix = raw[:len(APIKeyPrefix)+apiKeyDisplayChars]
	return raw, prefix, HashToken(raw), nil
}

// APIKeyRepository persists API keys.
type APIKeyRepository interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]APIKey, error)
	Revoke(ctx context.Context, userID, id string) error
	TouchLastUsed(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

const apiKeyColumns = `id, user_id, name, prefix, key_hash, expires_at, revoked_at, last_used_at, created_at`

// SQLiteAPIKeyRepository implements APIKeyRepository using SQLite.
type SQLiteAPIKeyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewAPIKeyRepository creates a SQLite-backed API key repository.
func NewAPIKeyRepository(db *sql.DB) *SQLiteAPIKeyRepository {
	return &SQLiteAPIKeyRepository{db: db, now: time.Now}
}

// Create inserts a key record. The ID is generated if empty.
func (r *SQLiteAPIKeyRepository) Create(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = "key-" + uuid.NewString()
	}
	key.CreatedAt = r.now().UTC().Truncate(time.Second)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Name, key.Prefix, key.KeyHash,
		nullTime(key.ExpiresAt), nullTime(key.RevokedAt), nullTime(key.LastUsedAt),
		formatTime(key.CreatedAt),
	)
	if err != nil {
		return unavailable("creating api key", err)
	}
	return nil
}

// GetByHash retrieves a key by the hash of its raw value. Revoked and
// expired keys are returned too; callers check IsUsable.
func (r *SQLiteAPIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	return scanAPIKey(r.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash))
}

// ListByUser returns every key the user owns, newest first.
func (r *SQLiteAPIKeyRepository) ListByUser(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC, id ASC`, userID)
	if err != nil {
		return nil, unavailable("listing api keys", err)
	}
	defer rows.Close()

	keys := []APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating api keys", err)
	}
	return keys, nil
}

// Revoke revokes one of the user's keys. Revoking an already revoked key is
// a no-op; a key owned by someone else is ErrAPIKeyNotFound.
func (r *SQLiteAPIKeyRepository) Revoke(ctx context.Context, userID, id string) error {
	var exists int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&exists); err != nil {
		return unavailable("finding api key", err)
	}
	if exists == 0 {
		return ErrAPIKeyNotFound
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(r.now()), id); err != nil {
		return unavailable("revoking api key", err)
	}
	return nil
}

// TouchLastUsed records that the key authenticated a request.
func (r *SQLiteAPIKeyRepository) TouchLastUsed(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(r.now()), id); err != nil {
		return unavailable("touching api key", err)
	}
	return nil
}

// DeleteExpired removes keys past their expiry.
func (r *SQLiteAPIKeyRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(r.now()))
	if err != nil {
		return 0, unavailable("deleting expired api keys", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("deleting expired api keys", err)
	}
	return n, nil
}

func scanAPIKey(s scanner) (*APIKey, error) {
	var (
		k                              APIKey
		expiresAt, revokedAt, lastUsed sql.NullString
		createdAt                      string
	)

	err := s.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.KeyHash,
		&expiresAt, &revokedAt, &lastUsed, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, unavailable("scanning api key", err)
	}

	k.ExpiresAt = timePtr(expiresAt)
	k.RevokedAt = timePtr(revokedAt)
	k.LastUsedAt = timePtr(lastUsed)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}
