package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind restricts what a token may be used for. The codec only stamps and
// reads the kind; callers must check it against the operation at hand.
type Kind string

const (
	KindAccess        Kind = "access"
	KindRefresh       Kind = "refresh"
	KindEmailVerify   Kind = "email_verify"
	KindPasswordReset Kind = "password_reset"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultEmailTTL   = 2 * 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the decoded content of a verified token.
type Claims struct {
	Subject   string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec signs and verifies HS256 tokens with a process-wide secret fixed
// at construction.
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

func (c *Codec) Issue(subject string, kind Kind, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"typ": string(kind),
	}
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}

	return encoded, nil
}

// Verify checks signature and expiry and returns the decoded claims. It
// returns ErrInvalidToken for every structural or temporal failure so the
// caller never has to distinguish parser internals.
func (c *Codec) Verify(tokenStr string) (Claims, error) {
	raw := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, raw, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	subject, _ := raw["sub"].(string)
	if subject == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{Subject: subject}
	if typ, ok := raw["typ"].(string); ok {
		claims.Kind = Kind(typ)
	}
	if iat, ok := raw["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0).UTC()
	}
	if exp, ok := raw["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}

	return claims, nil
}
