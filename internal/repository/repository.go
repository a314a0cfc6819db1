// Package repository defines the storage contracts the services depend on.
// The sqlite subpackage is the production implementation; service tests use
// in-memory fakes.
package repository

import (
	"context"
	"time"

	"github.com/sakif/user-api/internal/model"
)

// AccountRepository stores accounts, their metadata and external identities.
//
// ERROR CONTRACT:
//   - missing rows          → apperror.ErrNotFound
//   - uniqueness violations → apperror.ErrConflict (Field names the column:
//     "login", "email" or "identity")
//   - anything else         → a wrapped driver error
//
// Uniqueness is enforced by the store itself. Callers may look up before
// they create, but only the conflict error from Create is authoritative.
type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	GetByLogin(ctx context.Context, login string) (*model.Account, error)
	GetByIdentity(ctx context.Context, provider, externalID string) (*model.Account, error)

	// Create inserts an account with its initial metadata.
	Create(ctx context.Context, acc model.NewAccount) (*model.Account, error)

	// CreateWithIdentity inserts an account and binds (provider, externalID)
	// to it in one transaction.
	CreateWithIdentity(ctx context.Context, acc model.NewAccount, provider, externalID string) (*model.Account, error)

	// LinkIdentity binds (provider, externalID) to the account, replacing any
	// previous external id the account had for that provider.
	LinkIdentity(ctx context.Context, accountID int64, provider, externalID string) error

	// UpdateProfile applies core changes and overwrites the given metadata
	// keys in one transaction.
	UpdateProfile(ctx context.Context, id int64, changes model.ProfileChanges, meta map[string]string) error

	// SetActivationKey stores the hash of a password-reset key.
	SetActivationKey(ctx context.Context, id int64, keyHash string, at time.Time) error

	// ResetPassword sets a new password hash and clears the activation key.
	ResetPassword(ctx context.Context, id int64, passwordHash string) error
}
