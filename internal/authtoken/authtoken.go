// Package authtoken is a reference helper for an onAuth hook: it signs
// and validates compact JWTs carrying the claims a matchmaking HTTP
// layer would attach to a join request (userId plus an optional
// roomId). The room server core never calls this package directly —
// it exists as the example token issuer/validator an application wires
// into its own onAuth.
package authtoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload carried by a seat/reconnection token.
type Claims struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and validates tokens with a single HMAC secret, unlike
// the RSA keypair the chat application's auth package used — a room
// server's process fleet shares one secret rather than distributing a
// public key, since every process must be able to validate any token.
type Manager struct {
	secret []byte
}

// NewManager builds a Manager from a shared secret.
func NewManager(secret []byte) *Manager {
	return &Manager{secret: secret}
}

// Issue signs a token for userID valid for ttl, optionally scoped to a
// specific roomID (used for reconnection tokens).
func (m *Manager) Issue(userID, roomID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "roomserver",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies a token, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authtoken: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("authtoken: invalid token")
	}
	return claims, nil
}
