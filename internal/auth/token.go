// Package auth provides API key hashing and short-lived stream tokens.
//
// API keys are verified against Argon2id hashes in constant time. Stream
// tokens are HS256 JWTs minted for SSE clients that cannot set headers on
// EventSource connections; they are scoped to a principal and expire fast.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veritas-os/veritas/internal/model"
)

// DefaultStreamTokenTTL is the token lifetime when the caller passes no TTL.
// The token only needs to survive the SSE connection handshake.
const DefaultStreamTokenTTL = 5 * time.Minute

// StreamClaims are the claims carried by a stream token.
type StreamClaims struct {
	jwt.RegisteredClaims
	Principal string `json:"principal"`
}

// TokenMinter issues and validates HS256 stream tokens.
// A zero-length secret disables issuance entirely; there is no fallback key.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenMinter creates a minter. Returns nil if secret is empty, which
// callers treat as "stream tokens unavailable". A non-positive ttl takes
// DefaultStreamTokenTTL.
func NewTokenMinter(secret string, ttl time.Duration) *TokenMinter {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultStreamTokenTTL
	}
	return &TokenMinter{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint issues a stream token for the given principal.
func (m *TokenMinter) Mint(principal string) (string, time.Time, error) {
	if m == nil {
		return "", time.Time{}, model.E(model.KindCapabilityUnavailable, "stream tokens disabled: no API secret configured", nil)
	}
	now := m.now().UTC()
	expires := now.Add(m.ttl)
	claims := StreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "veritas",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Principal: principal,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, model.E(model.KindInternal, "sign stream token", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a stream token, returning the principal.
func (m *TokenMinter) Verify(tokenString string) (string, error) {
	if m == nil {
		return "", model.E(model.KindUnauthorized, "stream tokens disabled", nil)
	}
	var claims StreamClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", model.E(model.KindUnauthorized, "invalid stream token", err)
	}
	if !token.Valid || claims.Principal == "" {
		return "", model.E(model.KindUnauthorized, "invalid stream token", nil)
	}
	return claims.Principal, nil
}
