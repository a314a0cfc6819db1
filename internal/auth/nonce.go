package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
)

// Nonce actions accepted by the email endpoints.
const (
	ActionEmailLogin    = "email-login"
	ActionEmailRegister = "email-register"
)

// NonceStore records consumed nonces until they would have expired anyway.
type NonceStore interface {
	// Claim marks key as used. It returns false if key was already claimed.
	// Implementations must make the check-and-set atomic.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NonceService issues short-lived, single-use tokens bound to a scope key
// of the form action + "_" + email.
//
// NONCE LIFECYCLE:
//  1. GET /nonce?email=a@b.c&action=email-login → signed JWT {sub: "email-login_a@b.c", jti}
//  2. POST /email-login {nonce, email, password} → Verify checks signature,
//     expiry and scope, then claims the jti in the NonceStore
//  3. A replay of the same nonce finds the jti already claimed and fails
type NonceService struct {
	secret []byte
	ttl    time.Duration
	store  NonceStore
	logger *slog.Logger
}

// NewNonceService creates a NonceService. The secret may be shared with the
// TokenService; nonces use a different audience.
func NewNonceService(secret string, ttl time.Duration, store NonceStore, logger *slog.Logger) (*NonceService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: nonce secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: nonce ttl must be positive")
	}
	if store == nil {
		return nil, errors.New("auth: nonce store must not be nil")
	}
	return &NonceService{secret: []byte(secret), ttl: ttl, store: store, logger: logger}, nil
}

// ScopeKey composes the scope a nonce is bound to.
func ScopeKey(action, email string) string {
	return action + "_" + email
}

// Create issues a nonce for action and email.
func (s *NonceService) Create(action, email string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        xid.New().String(),
			Subject:   ScopeKey(action, email),
			Audience:  jwt.ClaimStrings{nonceAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing nonce: %w", err)
	}
	return signed, nil
}

// Verify reports whether nonce was issued for exactly (action, email), has not
// expired and has not been used before. A successful Verify consumes the nonce.
// Store failures fail closed.
func (s *NonceService) Verify(ctx context.Context, nonce, action, email string) bool {
	if nonce == "" {
		return false
	}

	c, err := parse(nonce, s.secret, nonceAudience)
	if err != nil {
		return false
	}
	if c.Subject != ScopeKey(action, email) || c.ID == "" {
		return false
	}

	remaining := time.Until(c.ExpiresAt.Time)
	if remaining <= 0 {
		return false
	}

	fresh, err := s.store.Claim(ctx, "nonce:"+c.ID, remaining)
	if err != nil {
		s.logger.Error("nonce store unavailable",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return false
	}
	return fresh
}
