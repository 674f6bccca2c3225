package registry

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionStore looks up an opaque session token and yields (userId,
// expiresAt) or not-found, per spec.md §4.3. Production deployments back
// this with the real account-auth service; JWTSessionStore is the
// standalone/test implementation shipped with the gateway.
type SessionStore interface {
	Lookup(token string) (userID string, expiresAt time.Time, ok bool)
}

// sessionClaims is the JWT payload used as the session ticket.
type sessionClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// JWTSessionStore issues and verifies HS256 session tickets. It implements
// SessionStore by verifying tokens rather than looking them up in a table,
// which is sufficient for a standalone gateway or test harness: the token
// itself carries (userId, expiresAt).
type JWTSessionStore struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTSessionStore builds a store signing/verifying with secret.
func NewJWTSessionStore(secret string, ttl time.Duration) *JWTSessionStore {
	return &JWTSessionStore{secret: []byte(secret), ttl: ttl}
}

// Issue mints a new session ticket for userID.
func (s *JWTSessionStore) Issue(userID string) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Lookup verifies token and extracts (userId, expiresAt). Expired or
// malformed tokens return ok=false, which the gateway shell turns into a
// 1008 close.
func (s *JWTSessionStore) Lookup(token string) (string, time.Time, bool) {
	if token == "" {
		return "", time.Time{}, false
	}

	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", time.Time{}, false
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return "", time.Time{}, false
	}
	if claims.UserID == "" {
		return "", time.Time{}, false
	}

	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if !expiresAt.IsZero() && time.Now().After(expiresAt) {
		return "", time.Time{}, false
	}

	return claims.UserID, expiresAt, true
}
