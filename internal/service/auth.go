// Package service contains the business rules of the user API.
//
//	Handler (HTTP)  → parses requests, writes responses
//	Service         → validates, reconciles identities, enforces rules
//	Repository      → reads/writes accounts
//
// Every exported method returns either a result or an *apperror.AppError
// with a stable code; handlers never have to interpret driver errors.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"unicode"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/repository"
)

// ProviderEmail selects the email/password path of LoginOrRegister.
const ProviderEmail = "email"

// Claim is an identity claim presented by a client. Email and Password are
// used when Provider is "email"; AccessToken and ExternalID otherwise.
type Claim struct {
	Provider    string
	Email       string
	Password    string
	AccessToken string
	ExternalID  string
}

// NonceResult is the body of GET /nonce. Email is echoed normalized
// (trimmed, lowercased), which is the form the nonce is scoped to.
type NonceResult struct {
	Email  string `json:"email"`
	Action string `json:"action"`
	Nonce  string `json:"nonce"`
}

// AuthService reconciles identity claims with accounts and issues sessions.
//
// DEPENDENCIES (injected via NewAuthService):
//   - accounts   repository.AccountRepository → account store
//   - providers  *auth.ProviderRegistry       → social identity providers
//   - tokens     *auth.TokenService           → session tokens
//   - passwords  *auth.PasswordService        → bcrypt
//   - nonces     *auth.NonceService           → single-use nonces
type AuthService struct {
	accounts  repository.AccountRepository
	providers *auth.ProviderRegistry
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	nonces    *auth.NonceService
	logger    *slog.Logger
}

func NewAuthService(
	accounts repository.AccountRepository,
	providers *auth.ProviderRegistry,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	nonces *auth.NonceService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		accounts:  accounts,
		providers: providers,
		tokens:    tokens,
		passwords: passwords,
		nonces:    nonces,
		logger:    logger,
	}
}

// LoginOrRegister resolves a claim to an account, creating one when the
// claim is new, and issues a session for it.
//
// Lookups before a create are advisory: two concurrent first logins can both
// miss, and then the store's uniqueness constraint decides. The loser gets
// already_exists. Nothing is written before the claim has been verified.
func (s *AuthService) LoginOrRegister(ctx context.Context, c Claim) (model.Session, error) {
	var (
		id  int64
		err error
	)
	if c.Provider == ProviderEmail {
		id, err = s.reconcileEmail(ctx, c.Email, c.Password)
	} else {
		id, err = s.reconcileSocial(ctx, c.Provider, c.AccessToken, c.ExternalID)
	}
	if err != nil {
		return model.Session{}, err
	}
	return s.issueSession(id)
}

// SocialLogin is LoginOrRegister for a social provider.
func (s *AuthService) SocialLogin(ctx context.Context, provider, accessToken, externalID string) (model.Session, error) {
	return s.LoginOrRegister(ctx, Claim{
		Provider:    provider,
		AccessToken: accessToken,
		ExternalID:  externalID,
	})
}

// EmailLogin logs an existing account in. The nonce must have been issued
// for the email-login action and this email.
func (s *AuthService) EmailLogin(ctx context.Context, nonce, email, password string) (model.Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return model.Session{}, apperror.ValidationFailed("email", "email and password are required")
	}
	if !s.nonces.Verify(ctx, nonce, auth.ActionEmailLogin, email) {
		return model.Session{}, nonceInvalid()
	}

	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return model.Session{}, apperror.New(apperror.ErrNotFound, apperror.CodeUserNotFound,
				"no account exists for this email")
		}
		return model.Session{}, s.storeError("looking up account", err)
	}

	if err := s.passwords.Verify(acc.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return model.Session{}, apperror.Authentication(apperror.CodeWrongPassword, "the password is incorrect")
		}
		return model.Session{}, s.internal("verifying password", err)
	}

	s.logger.Info("account logged in", slog.Int64("accountID", acc.ID), slog.String("provider", ProviderEmail))
	return s.issueSession(acc.ID)
}

// EmailRegister creates an email account. The nonce must have been issued
// for the email-register action and this email.
func (s *AuthService) EmailRegister(ctx context.Context, nonce, email, password string) (model.Session, error) {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return model.Session{}, err
	}
	if password == "" {
		return model.Session{}, apperror.ValidationFailed("password", "password is required")
	}
	if !s.nonces.Verify(ctx, nonce, auth.ActionEmailRegister, email) {
		return model.Session{}, nonceInvalid()
	}

	if _, err := s.accounts.GetByEmail(ctx, email); err == nil {
		return model.Session{}, alreadyExists()
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return model.Session{}, s.storeError("looking up account", err)
	}

	acc, err := s.createEmailAccount(ctx, email, password)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return model.Session{}, err
		}
		s.logger.Error("creating account failed", slog.String("error", err.Error()))
		return model.Session{}, apperror.Internal(apperror.CodeCreateFailed, "failed creating a new account")
	}
	return s.issueSession(acc.ID)
}

// IssueNonce returns a nonce scoped to (action, email).
func (s *AuthService) IssueNonce(email, action string) (NonceResult, error) {
	email = NormalizeEmail(email)
	nonce, err := s.nonces.Create(action, email)
	if err != nil {
		return NonceResult{}, s.internal("creating nonce", err)
	}
	return NonceResult{Email: email, Action: action, Nonce: nonce}, nil
}

// reconcileEmail logs in by email and password, registering the account if
// the email is unknown.
func (s *AuthService) reconcileEmail(ctx context.Context, email, password string) (int64, error) {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return 0, err
	}
	if password == "" {
		return 0, apperror.ValidationFailed("password", "password is required")
	}

	acc, err := s.accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !s.passwords.Matches(acc.PasswordHash, password) {
			return 0, apperror.Authentication(apperror.CodeInvalidCredentials, "invalid email or password")
		}
		s.logger.Info("account logged in", slog.Int64("accountID", acc.ID), slog.String("provider", ProviderEmail))
		return acc.ID, nil
	case !errors.Is(err, apperror.ErrNotFound):
		return 0, s.storeError("looking up account", err)
	}

	acc, err = s.createEmailAccount(ctx, email, password)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return 0, err
		}
		return 0, s.storeError("creating account", err)
	}
	return acc.ID, nil
}

// createEmailAccount inserts {login = email = email}. A uniqueness conflict
// becomes already_exists; other store errors are returned unwrapped.
func (s *AuthService) createEmailAccount(ctx context.Context, email, password string) (*model.Account, error) {
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, apperror.ValidationFailed("password", "password must be 72 bytes or fewer")
	}

	acc, err := s.accounts.Create(ctx, model.NewAccount{
		Login:        email,
		Email:        email,
		PasswordHash: hash,
		Nicename:     Nicename(email),
		Meta:         map[string]string{},
	})
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, alreadyExists()
		}
		return nil, err
	}

	s.logger.Info("account registered", slog.Int64("accountID", acc.ID), slog.String("provider", ProviderEmail))
	return acc, nil
}

// reconcileSocial verifies the claim with the provider, then finds or
// creates the account bound to (provider, externalID).
func (s *AuthService) reconcileSocial(ctx context.Context, providerName, accessToken, externalID string) (int64, error) {
	p, ok := s.providers.Get(providerName)
	if !ok {
		return 0, unsupportedProvider()
	}
	if accessToken == "" || externalID == "" {
		return 0, apperror.ValidationFailed("access_token", "access_token and external_id are required")
	}

	if !p.VerifyToken(ctx, accessToken, externalID) {
		return 0, socialVerificationFailed()
	}
	profile, err := p.FetchProfile(ctx, accessToken, externalID)
	if err != nil {
		return 0, socialVerificationFailed()
	}

	acc, err := s.accounts.GetByIdentity(ctx, providerName, externalID)
	if err == nil {
		s.logger.Info("account logged in", slog.Int64("accountID", acc.ID), slog.String("provider", providerName))
		return acc.ID, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return 0, s.storeError("looking up identity", err)
	}

	login := SocialLogin(externalID, providerName)

	// Accounts created before identities had their own table only carry the
	// synthesized login. Only a bare social account is adopted: one with a
	// password or an email could have been registered by anyone under that
	// login, so it falls through to the create and its conflict.
	acc, err = s.accounts.GetByLogin(ctx, login)
	switch {
	case err == nil && isLegacySocialAccount(acc, providerName):
		if err := s.accounts.LinkIdentity(ctx, acc.ID, providerName, externalID); err != nil {
			if errors.Is(err, apperror.ErrConflict) {
				return 0, alreadyExists()
			}
			return 0, s.storeError("linking identity", err)
		}
		s.logger.Info("identity linked",
			slog.Int64("accountID", acc.ID),
			slog.String("provider", providerName),
		)
		return acc.ID, nil
	case err == nil:
		s.logger.Warn("synthesized social login owned by a non-social account",
			slog.Int64("accountID", acc.ID),
			slog.String("provider", providerName),
		)
	case !errors.Is(err, apperror.ErrNotFound):
		return 0, s.storeError("looking up account", err)
	}

	acc, err = s.accounts.CreateWithIdentity(ctx, model.NewAccount{
		Login:       login,
		DisplayName: profile.DisplayName,
		Nickname:    profile.DisplayName,
		Nicename:    Nicename(login),
		Meta:        map[string]string{},
	}, providerName, externalID)
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return 0, alreadyExists()
		}
		return 0, s.storeError("creating account", err)
	}

	s.logger.Info("account registered", slog.Int64("accountID", acc.ID), slog.String("provider", providerName))
	return acc.ID, nil
}

// isLegacySocialAccount reports whether acc can only ever have been created
// by a social login for provider.
func isLegacySocialAccount(acc *model.Account, provider string) bool {
	_, linked := acc.ExternalIdentities[provider]
	return acc.PasswordHash == "" && acc.Email == "" && !linked
}

func (s *AuthService) issueSession(accountID int64) (model.Session, error) {
	session, err := s.tokens.Issue(accountID)
	if err != nil {
		return model.Session{}, s.internal("issuing session", err)
	}
	return session, nil
}

func (s *AuthService) storeError(op string, err error) error {
	s.logger.Error("account store failure", slog.String("op", op), slog.String("error", err.Error()))
	return apperror.Internal(apperror.CodeInternalStoreError, "the account store is unavailable")
}

func (s *AuthService) internal(op string, err error) error {
	s.logger.Error("internal failure", slog.String("op", op), slog.String("error", err.Error()))
	return apperror.Internal(apperror.CodeInternal, "an internal error occurred")
}

// SocialLogin synthesizes the login of a social account: "123@weibo.com".
func SocialLogin(externalID, provider string) string {
	return externalID + "@" + provider + ".com"
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Nicename derives a URL-safe slug from a login: "a.b@c.com" → "a-b-c-com".
func Nicename(login string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(login) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func validateEmail(email string) error {
	if email == "" {
		return apperror.ValidationFailed("email", "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperror.ValidationFailed("email", fmt.Sprintf("%q is not a valid email address", email))
	}
	return nil
}

func nonceInvalid() error {
	return apperror.Authentication(apperror.CodeNonceInvalid, "the nonce is invalid or expired")
}

func alreadyExists() error {
	return apperror.New(apperror.ErrConflict, apperror.CodeAlreadyExists, "an account with this identity already exists")
}

func unsupportedProvider() error {
	return apperror.New(apperror.ErrValidation, apperror.CodeUnsupportedProvider,
		"this type of social account is currently not supported")
}

func socialVerificationFailed() error {
	return apperror.Authentication(apperror.CodeSocialVerificationFailed,
		"could not verify the social account with the provided access token")
}
