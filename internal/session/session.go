// Package session issues and verifies the server's bearer session
// credentials: HS256 JWTs with a fixed TTL and no refresh token. Expiry
// forces a full re-authentication against the passphrase hash rather
// than silent renewal — a deliberate simplicity/security tradeoff.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the session lifetime when the config does not override
// it.
const DefaultTTL = 60 * time.Minute

// ErrInvalidToken is returned for any token that fails verification:
// bad signature, wrong type, expired, malformed.
var ErrInvalidToken = errors.New("invalid or expired token")

// Issuer signs fixed-TTL access tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an issuer with the given signing secret and TTL.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, ttl: ttl}, nil
}

// Issue creates a new access token. Returns the signed token and its
// lifetime in seconds, for the {token, expires_in} auth response.
func (i *Issuer) Issue() (string, int, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat":  now.Unix(),
		"exp":  now.Add(i.ttl).Unix(),
		"type": "access",
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, int(i.ttl.Seconds()), nil
}

// Verify checks a bearer token. Any failure collapses to
// ErrInvalidToken.
func (i *Issuer) Verify(tokenStr string) error {
	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}

	tok, err := jwt.Parse(tokenStr, keyFunc, jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return ErrInvalidToken
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	if typ, _ := claims["type"].(string); typ != "access" {
		return ErrInvalidToken
	}
	return nil
}
