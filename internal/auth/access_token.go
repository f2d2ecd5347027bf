package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAccessToken   = errors.New("access token: token required")
	ErrMalformedAccessToken = errors.New("access token: malformed token")
	ErrExpiredAccessToken   = errors.New("access token: token expired")
	ErrMissingTokenSubject  = errors.New("access token: subject required")
)

// AccessClaims mirrors the JWT payload issued by the backend's auth service.
type AccessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c AccessClaims) UserID() string {
	return strings.TrimSpace(c.Subject)
}

// TokenInspectorConfig describes how access tokens are inspected.
type TokenInspectorConfig struct {
	Clock  func() time.Time
	Leeway time.Duration
}

// TokenInspector reads identity from access tokens. Signatures are not verified: the backend
// verifies every request, and the client only needs the identity to scope its local state.
type TokenInspector struct {
	clock  func() time.Time
	leeway time.Duration
	parser *jwt.Parser
}

// NewTokenInspector constructs an inspector.
func NewTokenInspector(cfg TokenInspectorConfig) *TokenInspector {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenInspector{
		clock:  clock,
		leeway: cfg.Leeway,
		parser: jwt.NewParser(),
	}
}

// Inspect decodes tokenString and checks its subject and expiry.
func (i *TokenInspector) Inspect(tokenString string) (AccessClaims, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if token == "" {
		return AccessClaims{}, ErrMissingAccessToken
	}

	claims := &AccessClaims{}
	if _, _, err := i.parser.ParseUnverified(token, claims); err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrMalformedAccessToken, err)
	}
	if claims.UserID() == "" {
		return AccessClaims{}, ErrMissingTokenSubject
	}
	if claims.ExpiresAt != nil && i.clock().After(claims.ExpiresAt.Time.Add(i.leeway)) {
		return AccessClaims{}, ErrExpiredAccessToken
	}
	return *claims, nil
}
