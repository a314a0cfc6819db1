// Package auth provides the credential primitives of the user API: session
// tokens, nonces, password hashing and the identity provider adapters.
//
// SESSION FLOW OVERVIEW:
//  1. A client logs in (email+password or a social access token)
//  2. The service reconciles the claim to an Account and calls TokenService.Issue
//  3. The client receives {account_id, expires_at, token}
//  4. On /user/{id} calls the client sends the token back (Authorization: Bearer,
//     ?auth_cookie= or the "token" cookie) and TokenService.VerifyFor checks it
//     resolves to exactly that account id
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"sub":"42","aud":["session"],"exp":1234567890}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
//
// Session tokens and nonces are both JWTs signed with the same secret. The
// audience claim keeps one from being accepted as the other.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/user-api/internal/model"
)

const (
	issuer          = "user-api"
	sessionAudience = "session"
	nonceAudience   = "nonce"
)

// TokenService issues and validates session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret and lifetime.
// The secret should be at least 32 bytes of random data in production.
// Example: USER_API_AUTH_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: session ttl must be positive")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// claims is the JWT payload. "sub" carries the account id in decimal.
type claims struct {
	jwt.RegisteredClaims
}

// Issue creates a signed session for accountID that expires after the
// configured TTL (14 days by default).
func (s *TokenService) Issue(accountID int64) (model.Session, error) {
	return s.IssueWithDuration(accountID, s.ttl)
}

// IssueWithDuration creates a session with a custom lifetime.
// Used in tests to mint already-expired tokens.
func (s *TokenService) IssueWithDuration(accountID int64, d time.Duration) (model.Session, error) {
	if accountID <= 0 {
		return model.Session{}, fmt.Errorf("auth: invalid account id %d", accountID)
	}

	now := time.Now()
	expiresAt := now.Add(d)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(accountID, 10),
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return model.Session{}, fmt.Errorf("auth: signing token: %w", err)
	}

	return model.Session{
		AccountID: accountID,
		ExpiresAt: expiresAt.Unix(),
		Token:     signed,
	}, nil
}

// Validate parses and verifies a session token and returns the account id
// stored in its "sub" claim.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid
//   - Token is not expired
//   - Issuer is "user-api" and audience is "session"
//   - Algorithm is HS256 (prevents the "alg: none" confusion attack)
func (s *TokenService) Validate(tokenStr string) (int64, error) {
	c, err := parse(tokenStr, s.secret, sessionAudience)
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("auth: token has no valid subject")
	}
	return id, nil
}

// VerifyFor reports whether tokenStr is a valid session for accountID.
func (s *TokenService) VerifyFor(accountID int64, tokenStr string) bool {
	id, err := s.Validate(tokenStr)
	return err == nil && id == accountID
}

// parse is shared by the session and nonce services.
func parse(tokenStr string, secret []byte, audience string) (*claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return c, nil
}
