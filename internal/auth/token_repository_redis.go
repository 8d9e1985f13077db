package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// storeRefreshBody writes a record hash plus its id pointer and set
// memberships. KEYS: record, id pointer, user set, family set.
// ARGV: token hash, ttl ms, revoked_at, then field/value pairs.
const storeRefreshBody = `
local fields = {}
for i = 4, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
for i = 3, 4 do
  redis.call("SADD", KEYS[i], ARGV[1])
  local ttl = redis.call("PTTL", KEYS[i])
  if ttl < tonumber(ARGV[2]) then redis.call("PEXPIRE", KEYS[i], ARGV[2]) end
end
return 1
`

var createRefreshLua = redis.NewScript(storeRefreshBody)

// rotateRefreshLua revokes the old record (KEYS[5]) and stores the new one
// only if the old record still exists and is not yet revoked.
var rotateRefreshLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[5]) == 0 then return 0 end
if redis.call("HSETNX", KEYS[5], "revoked_at", ARGV[3]) == 0 then return 0 end
` + storeRefreshBody)

// revokeRefreshLua returns 1 when the record was revoked by this call.
var revokeRefreshLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
return redis.call("HSETNX", KEYS[1], "revoked_at", ARGV[1])
`)

// RedisTokenRepository implements TokenRepository on Redis. Each record is a
// hash at <prefix>:rt:<token hash> that expires with the token; per-user and
// per-family sets index the hashes.
type RedisTokenRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisTokenRepository creates a Redis-backed refresh token repository.
func NewRedisTokenRepository(client redis.UniversalClient, prefix string) *RedisTokenRepository {
	if prefix == "" {
		prefix = "gatekeeper"
	}
	return &RedisTokenRepository{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisTokenRepository) tokenKey(hash string) string {
	return r.prefix + ":rt:" + hash
}

func (r *RedisTokenRepository) idKey(id string) string {
	return r.prefix + ":rtid:" + id
}

func (r *RedisTokenRepository) userKey(userID string) string {
	return r.prefix + ":user:" + userID + ":rt"
}

func (r *RedisTokenRepository) familyKey(familyID string) string {
	return r.prefix + ":family:" + familyID + ":rt"
}

// storeArgs builds the KEYS and ARGV shared by the create and rotate scripts.
func (r *RedisTokenRepository) storeArgs(token *RefreshToken, revokedAt string) ([]string, []any) {
	ttl := token.ExpiresAt.Sub(r.now()).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	keys := []string{
		r.tokenKey(token.TokenHash),
		r.idKey(token.ID),
		r.userKey(token.UserID),
		r.familyKey(token.FamilyID),
	}
	args := []any{
		token.TokenHash, ttl, revokedAt,
		"id", token.ID,
		"user_id", token.UserID,
		"family_id", token.FamilyID,
		"device_info", token.DeviceInfo,
		"ip_address", token.IPAddress,
		"issued_at", formatTime(token.IssuedAt),
		"expires_at", formatTime(token.ExpiresAt),
	}
	if token.RevokedAt != nil {
		args = append(args, "revoked_at", formatTime(*token.RevokedAt))
	}
	return keys, args
}

// Create stores a new record. ID and FamilyID are generated when empty.
func (r *RedisTokenRepository) Create(ctx context.Context, token *RefreshToken) error {
	prepareRefreshToken(token, r.now())

	keys, args := r.storeArgs(token, "")
	if err := createRefreshLua.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return unavailable("creating refresh token", err)
	}
	return nil
}

// GetByTokenHash loads a record by the hash of its token value.
func (r *RedisTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	fields, err := r.client.HGetAll(ctx, r.tokenKey(tokenHash)).Result()
	if err != nil {
		return nil, unavailable("getting refresh token", err)
	}
	if len(fields) == 0 {
		return nil, ErrRefreshTokenNotFound
	}
	return decodeRefreshToken(tokenHash, fields), nil
}

// GetByID resolves the id pointer, then loads the record.
func (r *RedisTokenRepository) GetByID(ctx context.Context, id string) (*RefreshToken, error) {
	hash, err := r.client.Get(ctx, r.idKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, unavailable("getting refresh token id", err)
	}
	return r.GetByTokenHash(ctx, hash)
}

// Revoke sets revoked_at on a live record.
func (r *RedisTokenRepository) Revoke(ctx context.Context, tokenHash string) error {
	if _, err := r.revoke(ctx, tokenHash); err != nil {
		return unavailable("revoking refresh token", err)
	}
	return nil
}

func (r *RedisTokenRepository) revoke(ctx context.Context, tokenHash string) (bool, error) {
	n, err := revokeRefreshLua.Run(ctx, r.client,
		[]string{r.tokenKey(tokenHash)}, formatTime(r.now())).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeByID revokes one of a user's sessions.
func (r *RedisTokenRepository) RevokeByID(ctx context.Context, userID, id string) error {
	token, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if token.UserID != userID {
		return ErrRefreshTokenNotFound
	}
	return r.Revoke(ctx, token.TokenHash)
}

// Rotate revokes oldHash and stores next in one script execution.
func (r *RedisTokenRepository) Rotate(ctx context.Context, oldHash string, next *RefreshToken) error {
	now := r.now()
	prepareRefreshToken(next, now)

	keys, args := r.storeArgs(next, formatTime(now))
	keys = append(keys, r.tokenKey(oldHash))

	n, err := rotateRefreshLua.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return unavailable("rotating refresh token", err)
	}
	if n == 0 {
		return ErrRefreshCredentialExpired
	}
	return nil
}

// Delete removes a record along with its index entries.
func (r *RedisTokenRepository) Delete(ctx context.Context, tokenHash string) error {
	token, err := r.GetByTokenHash(ctx, tokenHash)
	if errors.Is(err, ErrRefreshTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.tokenKey(tokenHash), r.idKey(token.ID))
		pipe.SRem(ctx, r.userKey(token.UserID), tokenHash)
		pipe.SRem(ctx, r.familyKey(token.FamilyID), tokenHash)
		return nil
	})
	if err != nil {
		return unavailable("deleting refresh token", err)
	}
	return nil
}

// RevokeFamily revokes every live record in the family.
func (r *RedisTokenRepository) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return r.revokeSet(ctx, "revoking token family", r.familyKey(familyID))
}

// RevokeAllForUser revokes every live record the user holds.
func (r *RedisTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return r.revokeSet(ctx, "revoking user tokens", r.userKey(userID))
}

func (r *RedisTokenRepository) revokeSet(ctx context.Context, op, setKey string) (int64, error) {
	hashes, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, unavailable(op, err)
	}

	var revoked int64
	for _, hash := range hashes {
		ok, err := r.revoke(ctx, hash)
		if err != nil {
			return revoked, unavailable(op, err)
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

// ListActiveByUser returns the user's non-revoked, unexpired records, newest
// first. Index entries whose record has expired out of Redis are pruned.
func (r *RedisTokenRepository) ListActiveByUser(ctx context.Context, userID string) ([]RefreshToken, error) {
	userKey := r.userKey(userID)
	hashes, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, unavailable("listing refresh tokens", err)
	}

	now := r.now()
	tokens := []RefreshToken{}
	var stale []any
	for _, hash := range hashes {
		token, err := r.GetByTokenHash(ctx, hash)
		if errors.Is(err, ErrRefreshTokenNotFound) {
			stale = append(stale, hash)
			continue
		}
		if err != nil {
			return nil, err
		}
		if token.IsRevoked() || token.IsExpired(now) {
			continue
		}
		tokens = append(tokens, *token)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, userKey, stale...).Err(); err != nil {
			return nil, unavailable("pruning refresh token index", err)
		}
	}

	slices.SortFunc(tokens, func(a, b RefreshToken) int {
		if c := b.IssuedAt.Compare(a.IssuedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return tokens, nil
}

// DeleteExpired prunes index entries whose records Redis has already
// expired, returning how many were removed. Records themselves carry a TTL.
func (r *RedisTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	indexes := []struct {
		pattern string
		counted bool
	}{
		{r.userKey("*"), true},
		{r.familyKey("*"), false},
	}

	var removed int64
	for _, idx := range indexes {
		iter := r.client.Scan(ctx, 0, idx.pattern, 0).Iterator()
		for iter.Next(ctx) {
			n, err := r.pruneSet(ctx, iter.Val())
			if err != nil {
				return removed, err
			}
			if idx.counted {
				removed += n
			}
		}
		if err := iter.Err(); err != nil {
			return removed, unavailable("scanning refresh token indexes", err)
		}
	}
	return removed, nil
}

func (r *RedisTokenRepository) pruneSet(ctx context.Context, setKey string) (int64, error) {
	hashes, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, unavailable("reading refresh token index", err)
	}

	var stale []any
	for _, hash := range hashes {
		exists, err := r.client.Exists(ctx, r.tokenKey(hash)).Result()
		if err != nil {
			return 0, unavailable("checking refresh token", err)
		}
		if exists == 0 {
			stale = append(stale, hash)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.client.SRem(ctx, setKey, stale...).Err(); err != nil {
		return 0, unavailable("pruning refresh token index", err)
	}
	return int64(len(stale)), nil
}

func decodeRefreshToken(tokenHash string, fields map[string]string) *RefreshToken {
	t := &RefreshToken{
		ID:         fields["id"],
		UserID:     fields["user_id"],
		FamilyID:   fields["family_id"],
		TokenHash:  tokenHash,
		DeviceInfo: fields["device_info"],
		IPAddress:  fields["ip_address"],
		IssuedAt:   parseTime(fields["issued_at"]),
		ExpiresAt:  parseTime(fields["expires_at"]),
	}
	if v, ok := fields["revoked_at"]; ok && v != "" {
		at := parseTime(v)
		t.RevokedAt = &at
	}
	return t
}
