// Package token issues and verifies the short-lived session tokens a
// client presents when attaching to a session.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fernrelay/relay/internal/relayerr"
)

// Claims binds a session id to an expiry, signed with HS256.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
}

// Issuer signs and verifies session tokens using a process-wide HMAC
// secret, matching session TTL.
type Issuer struct {
	secret []byte
}

// NewIssuer constructs an Issuer. secret must be non-empty; Config.Validate
// enforces the minimum length before this is ever called.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue signs a token binding sessionID with the given TTL.
func (i *Issuer) Issue(sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify validates a token's signature and expiry and checks that it was
// issued for wantSessionID. Returns *relayerr.InvalidTokenError on any
// failure.
func (i *Issuer) Verify(tokenString, wantSessionID string) error {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return &relayerr.InvalidTokenError{Reason: "expired"}
		}
		return &relayerr.InvalidTokenError{Reason: "signature invalid"}
	}
	if !parsed.Valid {
		return &relayerr.InvalidTokenError{Reason: "signature invalid"}
	}
	if claims.SessionID != wantSessionID {
		return &relayerr.InvalidTokenError{Reason: "session mismatch"}
	}
	return nil
}
