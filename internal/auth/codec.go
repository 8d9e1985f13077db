package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenKind distinguishes access tokens from refresh tokens. Each kind has
// its own signing secret, so a token of one kind never verifies as the other.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims is the identity encoded into a token.
type Claims struct {
	UserID string
	Email  string
	Role   Role
}

// TokenClaims is the decoded payload of a verified token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Email string    `json:"email"`
	Role  Role      `json:"role"`
	Kind  TokenKind `json:"typ"`
}

// Identity returns the request identity carried by the claims.
func (c *TokenClaims) Identity() *Identity {
	return &Identity{
		ID:     c.Subject,
		Email:  c.Email,
		Role:   c.Role,
		Scheme: SchemeBearer,
	}
}

// IssuedToken is a freshly signed token and its expiry.
type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Codec signs and verifies HS256 access and refresh tokens.
//
// Thread Safety: a Codec is immutable after construction and safe for
// concurrent use.
type Codec struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

// CodecOption customises a Codec.
type CodecOption func(*Codec)

// WithClock sets the time source used for issuing and verifying tokens.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a Codec. The two secrets must be non-empty and different.
func NewCodec(cfg CodecConfig, opts ...CodecOption) (*Codec, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("codec: access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("codec: access and refresh secrets must differ")
	}

	c := &Codec{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		now:        time.Now,
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = DefaultRefreshTTL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration {
	return c.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration {
	return c.refreshTTL
}

// IssueAccessToken signs a short-lived access token for claims.
//
// Access tokens carry no random fields: the same claims issued in the same
// second under the same configuration produce the same token.
func (c *Codec) IssueAccessToken(claims Claims) (IssuedToken, error) {
	return c.issue(KindAccess, claims)
}

// IssueRefreshToken signs a long-lived refresh token for claims with the
// refresh secret. Each refresh token gets a unique jti so that tokens issued
// within the same second are still distinct store keys.
func (c *Codec) IssueRefreshToken(claims Claims) (IssuedToken, error) {
	return c.issue(KindRefresh, claims)
}

func (c *Codec) issue(kind TokenKind, claims Claims) (IssuedToken, error) {
	if claims.UserID == "" {
		return IssuedToken{}, fmt.Errorf("issuing %s token: missing subject", kind)
	}
	if !IsValidRole(claims.Role) {
		return IssuedToken{}, fmt.Errorf("issuing %s token: invalid role %q", kind, claims.Role)
	}

	now := c.now()
	expiresAt := jwt.NewNumericDate(now.Add(c.ttlFor(kind)))

	tc := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expiresAt,
		},
		Email: claims.Email,
		Role:  claims.Role,
		Kind:  kind,
	}
	if kind == KindRefresh {
		tc.ID = uuid.NewString()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(c.keyFor(kind))
	if err != nil {
		return IssuedToken{}, fmt.Errorf("signing %s token: %w", kind, err)
	}

	return IssuedToken{Value: signed, ExpiresAt: expiresAt.Time}, nil
}

// Verify checks the token's signature against the secret for kind and its
// expiry against the codec clock, returning the decoded claims.
//
// Failures are ErrInvalidSignature, ErrTokenExpired or ErrMalformedToken.
// Expiry is a hard boundary: a token is expired from its exp second onward.
func (c *Codec) Verify(tokenString string, kind TokenKind) (*TokenClaims, error) {
	claims, _, err := c.parse(tokenString, kind)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyAllowExpired is Verify for callers that must tell an expired token
// apart from a forged one. A correctly signed token past its exp returns its
// claims with expired set and an ErrTokenExpired error; every other failure
// returns nil claims as Verify does.
func (c *Codec) VerifyAllowExpired(tokenString string, kind TokenKind) (claims *TokenClaims, expired bool, err error) {
	return c.parse(tokenString, kind)
}

func (c *Codec) parse(tokenString string, kind TokenKind) (*TokenClaims, bool, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	key := c.keyFor(kind)
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(_ *jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	expired := err != nil && token != nil && onlyExpired(err)
	if err != nil && !expired {
		return nil, false, classifyJWTError(err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || (!expired && !token.Valid) {
		return nil, false, ErrMalformedToken
	}
	if claims.Kind != kind {
		return nil, false, fmt.Errorf("%w: expected %s token, got %q", ErrMalformedToken, kind, claims.Kind)
	}
	if claims.Subject == "" {
		return nil, false, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}
	if !IsValidRole(claims.Role) {
		return nil, false, fmt.Errorf("%w: invalid role", ErrMalformedToken)
	}
	if expired {
		return claims, true, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	}

	return claims, false, nil
}

// onlyExpired reports whether err is a claims failure caused by exp alone.
// jwt/v5 joins every failed claim check into one error.
func onlyExpired(err error) bool {
	if !errors.Is(err, jwt.ErrTokenExpired) {
		return false
	}
	for _, other := range []error{
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenMalformed,
		jwt.ErrTokenUnverifiable,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenRequiredClaimMissing,
	} {
		if errors.Is(err, other) {
			return false
		}
	}
	return true
}

// PeekExpiry decodes the token's expiry without verifying the signature.
// The result is informational only and must never be used to grant access.
func (c *Codec) PeekExpiry(tokenString string) (time.Time, bool) {
	var claims TokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (c *Codec) keyFor(kind TokenKind) []byte {
	if kind == KindRefresh {
		return c.refreshKey
	}
	return c.accessKey
}

func (c *Codec) ttlFor(kind TokenKind) time.Duration {
	if kind == KindRefresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// classifyJWTError maps jwt parser errors onto the codec's failure kinds.
// jwt/v5 verifies the signature before validating claims, so an expired
// token with a bad signature reports the signature failure.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
}
