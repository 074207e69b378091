// Package testutil holds fakes and helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-realtime/internal/auth"
)

// TestSecret signs tokens produced by SignToken.
var TestSecret = []byte("test-secret-with-enough-entropy-0123456789")

// TokenOption mutates claims before signing.
type TokenOption func(*auth.Claims)

// WithExpiry sets the exp claim relative to now.
func WithExpiry(d time.Duration) TokenOption {
	return func(c *auth.Claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(d))
	}
}

// WithActive sets the active claim.
func WithActive(active bool) TokenOption {
	return func(c *auth.Claims) {
		c.Active = &active
	}
}

// WithEmail sets the email claim.
func WithEmail(email string) TokenOption {
	return func(c *auth.Claims) {
		c.Email = email
		c.Verified = true
	}
}

// SignToken returns an HS256 token for userID signed with secret.
func SignToken(t *testing.T, secret []byte, userID string, opts ...TokenOption) string {
	t.Helper()

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	for _, opt := range opts {
		opt(&claims)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}
