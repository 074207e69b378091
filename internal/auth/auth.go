// Package auth validates the bearer token a client presents when it opens a
// real-time connection and turns it into a trusted Identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated is matched by every error Authenticate returns.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrMissingToken indicates no token was supplied.
	ErrMissingToken = fmt.Errorf("%w: access token is required", ErrUnauthenticated)
	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = fmt.Errorf("%w: access token is invalid", ErrUnauthenticated)
	// ErrExpiredToken indicates the token's exp claim has passed.
	ErrExpiredToken = fmt.Errorf("%w: access token is expired", ErrUnauthenticated)
	// ErrInactiveAccount indicates the token carries active=false.
	ErrInactiveAccount = fmt.Errorf("%w: account is deactivated", ErrUnauthenticated)
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	UserID   string
	Email    string
	Verified bool
}

// Claims is the token body understood by the Authenticator. The subject
// carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	Verified bool   `json:"email_verified,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

// Config defines how tokens are verified. Issuer and Audience are only
// checked when set.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// Authenticator validates HS256 tokens signed with a pre-shared secret.
type Authenticator struct {
	cfg    Config
	parser *jwt.Parser
}

// NewAuthenticator returns an Authenticator for cfg.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Authenticate validates rawToken and returns the identity it was issued for.
func (a *Authenticator) Authenticate(rawToken string) (Identity, error) {
	rawToken = strings.TrimSpace(strings.TrimPrefix(rawToken, "Bearer "))
	if rawToken == "" {
		return Identity{}, ErrMissingToken
	}

	var claims Claims
	_, err := a.parser.ParseWithClaims(rawToken, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	if claims.Active != nil && !*claims.Active {
		return Identity{}, ErrInactiveAccount
	}

	return Identity{
		UserID:   userID,
		Email:    claims.Email,
		Verified: claims.Verified,
	}, nil
}

// mapJWTError translates jwt library errors to package errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
}
