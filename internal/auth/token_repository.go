package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TokenRepository persists refresh token records. Records are keyed by the
// SHA-256 hash of the token value (see HashToken).
type TokenRepository interface {
	Create(ctx context.Context, token *RefreshToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	GetByID(ctx context.Context, id string) (*RefreshToken, error)

	// Revoke marks the record revoked. Missing or already revoked records
	// are left untouched and no error is returned.
	Revoke(ctx context.Context, tokenHash string) error

	// RevokeByID revokes one of userID's records by record ID. A record
	// owned by another user is reported as ErrRefreshTokenNotFound.
	RevokeByID(ctx context.Context, userID, id string) error

	// Rotate revokes oldHash and inserts next atomically. If oldHash is no
	// longer live it returns ErrRefreshCredentialExpired and inserts nothing.
	Rotate(ctx context.Context, oldHash string, next *RefreshToken) error

	Delete(ctx context.Context, tokenHash string) error
	RevokeFamily(ctx context.Context, familyID string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	ListActiveByUser(ctx context.Context, userID string) ([]RefreshToken, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

const tokenColumns = `id, user_id, family_id, token_hash, device_info, ip_address, issued_at, expires_at, revoked_at`

// SQLiteTokenRepository implements TokenRepository using SQLite.
type SQLiteTokenRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTokenRepository creates a SQLite-backed refresh token repository.
func NewTokenRepository(db *sql.DB) *SQLiteTokenRepository {
	return &SQLiteTokenRepository{db: db, now: time.Now}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create inserts a new record. ID and FamilyID are generated when empty.
func (r *SQLiteTokenRepository) Create(ctx context.Context, token *RefreshToken) error {
	if err := r.insert(ctx, r.db, token); err != nil {
		return unavailable("creating refresh token", err)
	}
	return nil
}

func (r *SQLiteTokenRepository) insert(ctx context.Context, db execer, token *RefreshToken) error {
	prepareRefreshToken(token, r.now())

	_, err := db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.FamilyID, token.TokenHash,
		nullString(token.DeviceInfo), nullString(token.IPAddress),
		formatTime(token.IssuedAt), formatTime(token.ExpiresAt), nullTime(token.RevokedAt),
	)
	return err
}

// GetByTokenHash retrieves a record by the hash of its token value.
func (r *SQLiteTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	return scanRefreshToken(r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE token_hash = ?`, tokenHash))
}

// GetByID retrieves a record by its ID.
func (r *SQLiteTokenRepository) GetByID(ctx context.Context, id string) (*RefreshToken, error) {
	return scanRefreshToken(r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE id = ?`, id))
}

// Revoke sets revoked_at on a live record.
func (r *SQLiteTokenRepository) Revoke(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		formatTime(r.now()), tokenHash)
	if err != nil {
		return unavailable("revoking refresh token", err)
	}
	return nil
}

// RevokeByID revokes one of a user's sessions.
func (r *SQLiteTokenRepository) RevokeByID(ctx context.Context, userID, id string) error {
	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM refresh_tokens WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&exists)
	if err != nil {
		return unavailable("finding refresh token", err)
	}
	if exists == 0 {
		return ErrRefreshTokenNotFound
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL`,
		formatTime(r.now()), id, userID); err != nil {
		return unavailable("revoking refresh token", err)
	}
	return nil
}

// Rotate consumes oldHash and stores next in one transaction. The
// conditional UPDATE makes concurrent rotations of the same token serialise:
// exactly one sees an affected row, the others fail closed.
func (r *SQLiteTokenRepository) Rotate(ctx context.Context, oldHash string, next *RefreshToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning rotation", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	result, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?`,
		formatTime(r.now()), oldHash, formatTime(r.now()))
	if err != nil {
		return unavailable("revoking rotated token", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("reading affected rows", err)
	}
	if n == 0 {
		return ErrRefreshCredentialExpired
	}

	if err := r.insert(ctx, tx, next); err != nil {
		return unavailable("inserting rotated token", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing rotation", err)
	}
	return nil
}

// Delete removes a record outright.
func (r *SQLiteTokenRepository) Delete(ctx context.Context, tokenHash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash); err != nil {
		return unavailable("deleting refresh token", err)
	}
	return nil
}

// RevokeFamily revokes every live record descended from the same login.
func (r *SQLiteTokenRepository) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return r.revokeWhere(ctx, "revoking token family", `family_id = ?`, familyID)
}

// RevokeAllForUser revokes every live record the user holds.
func (r *SQLiteTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return r.revokeWhere(ctx, "revoking user tokens", `user_id = ?`, userID)
}

func (r *SQLiteTokenRepository) revokeWhere(ctx context.Context, op, cond string, arg string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE `+cond+` AND revoked_at IS NULL`,
		formatTime(r.now()), arg)
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

// ListActiveByUser returns the user's non-revoked, unexpired records, newest first.
func (r *SQLiteTokenRepository) ListActiveByUser(ctx context.Context, userID string) ([]RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens
		 WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
		 ORDER BY issued_at DESC, id ASC`, userID, formatTime(r.now()))
	if err != nil {
		return nil, unavailable("listing refresh tokens", err)
	}
	defer rows.Close()

	tokens := []RefreshToken{}
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating refresh tokens", err)
	}
	return tokens, nil
}

// DeleteExpired removes records past their expiry and returns how many.
func (r *SQLiteTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at <= ?`, formatTime(r.now()))
	if err != nil {
		return 0, unavailable("deleting expired refresh tokens", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("deleting expired refresh tokens", err)
	}
	return n, nil
}

func scanRefreshToken(s scanner) (*RefreshToken, error) {
	var (
		t                   RefreshToken
		deviceInfo, ip      sql.NullString
		issuedAt, expiresAt string
		revokedAt           sql.NullString
	)

	err := s.Scan(&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash, &deviceInfo, &ip,
		&issuedAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, unavailable("scanning refresh token", err)
	}

	t.DeviceInfo = deviceInfo.String
	t.IPAddress = ip.String
	t.IssuedAt = parseTime(issuedAt)
	t.ExpiresAt = parseTime(expiresAt)
	t.RevokedAt = timePtr(revokedAt)
	return &t, nil
}

// prepareRefreshToken fills generated fields shared by every backend.
func prepareRefreshToken(token *RefreshToken, now time.Time) {
	if token.ID == "" {
		token.ID = "rt-" + uuid.NewString()
	}
	if token.FamilyID == "" {
		token.FamilyID = uuid.NewString()
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = now.UTC().Truncate(time.Second)
	}
}
