package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of a browser session token.
const DefaultTokenTTL = 12 * time.Hour

// CookieName carries the browser session token.
const CookieName = "kalk_session"

const tokenIssuer = "kalk-planner"

// ErrInvalidToken covers malformed, expired or forged tokens.
var ErrInvalidToken = errors.New("invalid session token")

// Claims identify a signed-in user of this server.
type Claims struct {
	UserID int64  `json:"uid"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	TTL    time.Duration
	Window time.Duration
	Now    func() time.Time
}

// NewIssuer returns an issuer keyed by secret. An empty secret gets a
// random one, which invalidates sessions on restart.
func NewIssuer(secret string) *Issuer {
	if secret == "" {
		secret = uuid.NewString() + uuid.NewString()
	}
	return &Issuer{secret: []byte(secret), TTL: DefaultTokenTTL, Window: DefaultRefreshWindow, Now: time.Now}
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a fresh token for the user.
func (i *Issuer) Issue(userID int64, email, role string) (string, time.Time, error) {
	now := i.now()
	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	exp := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies a token and returns its claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Due reports whether c is inside the refresh window of its expiry. The
// caller re-reads the account and issues a new token; claims are never
// copied forward because the role may have changed.
func (i *Issuer) Due(c *Claims) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	window := i.Window
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	return !i.now().Add(window).Before(c.ExpiresAt.Time)
}
