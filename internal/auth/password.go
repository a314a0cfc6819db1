package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// defaultCost is the bcrypt work factor used in production.
//
// COST TUNING RULE OF THUMB:
// Set cost so that hashing takes ~200–300ms on your production hardware.
const defaultCost = 12

// resetKeyLength matches the 20-character keys existing reset links carry.
const resetKeyLength = 20

const resetKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrPasswordMismatch is returned by Verify when the plaintext is wrong.
var ErrPasswordMismatch = errors.New("auth: invalid password")

// PasswordService hashes and verifies passwords and password-reset keys with
// bcrypt. The cost is a field so tests can use the minimum (4).
type PasswordService struct {
	cost int
}

// NewPasswordService creates a PasswordService with the given cost; a zero
// cost means the default (12).
func NewPasswordService(cost int) *PasswordService {
	if cost == 0 {
		cost = defaultCost
	}
	return &PasswordService{cost: cost}
}

// NewPasswordServiceForTest creates a PasswordService with a custom (low)
// cost. Do NOT use in production.
func NewPasswordServiceForTest(cost int) *PasswordService {
	return &PasswordService{cost: cost}
}

// Hash hashes plaintext with bcrypt.
//
// Returns an error if the plaintext is too long (over 72 bytes, a bcrypt limit).
// bcrypt would silently truncate; we reject explicitly.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > 72 {
		return "", fmt.Errorf("auth: password must be 72 bytes or fewer")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify checks whether plaintext matches a stored bcrypt hash.
// Returns nil if they match, ErrPasswordMismatch if they don't.
//
// TIMING SAFETY:
// bcrypt.CompareHashAndPassword uses a constant-time comparison internally.
func (p *PasswordService) Verify(hash, plaintext string) error {
	if hash == "" {
		// social accounts have no password
		return ErrPasswordMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}

// Matches is the boolean form of Verify.
func (p *PasswordService) Matches(hash, plaintext string) bool {
	return p.Verify(hash, plaintext) == nil
}

// GenerateResetKey returns a random 20-character alphanumeric key for a
// password reset link, plus its bcrypt hash for storage.
func (p *PasswordService) GenerateResetKey() (key, hash string, err error) {
	buf := make([]byte, resetKeyLength)
	max := big.NewInt(int64(len(resetKeyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", "", fmt.Errorf("auth: generating reset key: %w", err)
		}
		buf[i] = resetKeyAlphabet[n.Int64()]
	}

	key = string(buf)
	hash, err = p.Hash(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}
