// Package auth resolves connection identities from bearer tokens.
//
// Credential verification (passwords, sessions, refresh) is owned by the
// external auth collaborator; this package only checks that a presented
// token was signed by the shared secret and extracts the identity claims.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for any token that does not resolve to an
// identity: missing, malformed, expired, or signed with the wrong key.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

const minSecretBytes = 32

// Identity is a resolved user identity: opaque id plus display name.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier resolves a bearer token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// HS256Verifier validates HMAC-SHA256 JWTs issued by the auth collaborator.
type HS256Verifier struct {
	secret []byte
}

// NewHS256Verifier constructs a verifier. The secret is used as raw bytes,
// so the minimum length is measured in bytes, not runes.
func NewHS256Verifier(secret string) (*HS256Verifier, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("auth: token secret too short (min %d bytes)", minSecretBytes)
	}
	return &HS256Verifier{secret: []byte(secret)}, nil
}

// Verify parses and validates the token and extracts identity claims.
func (v *HS256Verifier) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, ErrUnauthenticated
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Identity{}, ErrUnauthenticated
	}
	name, _ := claims["name"].(string)

	return Identity{UserID: sub, DisplayName: name}, nil
}

// Sign issues a token for an identity. Production tokens come from the auth
// collaborator; this is used by dev tooling and tests.
func Sign(secret string, id Identity, ttl time.Duration, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	claims := jwt.MapClaims{
		"sub":  id.UserID,
		"name": id.DisplayName,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
