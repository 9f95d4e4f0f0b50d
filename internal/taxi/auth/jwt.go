package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

type claims struct {
	jwt.StandardClaims
}

// JWTManager issues and verifies HS256 tokens whose subject is the actor
// id. It is meant for local runs without Firebase.
type JWTManager struct {
	secret []byte
	now    func() time.Time
}

// NewJWTManager creates a manager signing with secret.
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{secret: []byte(secret), now: time.Now}
}

// NewToken signs a token for actorID valid for ttl.
func (m *JWTManager) NewToken(actorID string, ttl time.Duration) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   actorID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	})
	return token.SignedString(m.secret)
}

// Verify checks the signature and expiry and returns the subject.
func (m *JWTManager) Verify(_ context.Context, raw string) (string, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(raw, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return c.Subject, nil
}
