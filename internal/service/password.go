package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/mail"
	"github.com/sakif/user-api/internal/repository"
)

// ResetOptions configures the password reset mail.
type ResetOptions struct {
	SiteName string        // shown in the subject: "[mima] Password Reset"
	ResetURL string        // page that receives ?key=...&login=...
	KeyTTL   time.Duration // how long a reset key stays valid
}

// Result is the body of operations that only report success.
type Result struct {
	Success bool `json:"success"`
}

// PasswordResetService runs the "forgot password" flow: RequestReset mails a
// one-time key, ChangePassword redeems it.
type PasswordResetService struct {
	accounts  repository.AccountRepository
	passwords *auth.PasswordService
	mailer    mail.Sender
	opts      ResetOptions
	logger    *slog.Logger

	now func() time.Time
}

func NewPasswordResetService(
	accounts repository.AccountRepository,
	passwords *auth.PasswordService,
	mailer mail.Sender,
	opts ResetOptions,
	logger *slog.Logger,
) *PasswordResetService {
	return &PasswordResetService{
		accounts:  accounts,
		passwords: passwords,
		mailer:    mailer,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// RequestReset stores a new reset key for the account owning email and
// mails the reset link. Only the key's hash is stored.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) (Result, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return Result{}, apperror.ValidationFailed("email", "email is required")
	}

	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return Result{}, apperror.New(apperror.ErrNotFound, apperror.CodeUserNotFound,
				"there is no user registered with that email address")
		}
		s.logger.Error("account store failure", slog.String("op", "looking up account"), slog.String("error", err.Error()))
		return Result{}, apperror.Internal(apperror.CodeInternalStoreError, "the account store is unavailable")
	}

	key, hash, err := s.passwords.GenerateResetKey()
	if err != nil {
		s.logger.Error("generating reset key failed", slog.String("error", err.Error()))
		return Result{}, resetFailed()
	}
	if err := s.accounts.SetActivationKey(ctx, acc.ID, hash, s.now()); err != nil {
		s.logger.Error("storing reset key failed",
			slog.Int64("accountID", acc.ID),
			slog.String("error", err.Error()),
		)
		return Result{}, resetFailed()
	}

	msg := mail.Message{
		To:      acc.Email,
		Subject: fmt.Sprintf("[%s] Password Reset", s.opts.SiteName),
		Text:    s.resetText(acc.Login, key),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("sending reset mail failed",
			slog.Int64("accountID", acc.ID),
			slog.String("error", err.Error()),
		)
		return Result{}, apperror.Upstream(apperror.CodeMailFailed, "the reset mail could not be sent")
	}

	s.logger.Info("password reset requested", slog.Int64("accountID", acc.ID))
	return Result{Success: true}, nil
}

// ChangePassword sets a new password if key is the account's current,
// unexpired reset key. The key is cleared on success.
func (s *PasswordResetService) ChangePassword(ctx context.Context, login, key, newPassword string) (Result, error) {
	if login == "" || key == "" {
		return Result{}, apperror.ValidationFailed("key", "login and key are required")
	}
	if newPassword == "" {
		return Result{}, apperror.ValidationFailed("new_password", "new_password is required")
	}

	acc, err := s.accounts.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return Result{}, invalidResetKey()
		}
		s.logger.Error("account store failure", slog.String("op", "looking up account"), slog.String("error", err.Error()))
		return Result{}, apperror.Internal(apperror.CodeInternalStoreError, "the account store is unavailable")
	}

	if acc.ActivationKey == "" || s.now().Sub(acc.ActivationKeyAt) > s.opts.KeyTTL {
		return Result{}, invalidResetKey()
	}
	if !s.passwords.Matches(acc.ActivationKey, key) {
		return Result{}, invalidResetKey()
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return Result{}, apperror.ValidationFailed("new_password", "password must be 72 bytes or fewer")
	}
	if err := s.accounts.ResetPassword(ctx, acc.ID, hash); err != nil {
		s.logger.Error("resetting password failed",
			slog.Int64("accountID", acc.ID),
			slog.String("error", err.Error()),
		)
		return Result{}, resetFailed()
	}

	s.logger.Info("password changed", slog.Int64("accountID", acc.ID))
	return Result{Success: true}, nil
}

func (s *PasswordResetService) resetText(login, key string) string {
	link := s.opts.ResetURL + "?" + url.Values{"key": {key}, "login": {login}}.Encode()

	var b strings.Builder
	b.WriteString("Someone requested that the password be reset for the following account:\r\n\r\n")
	fmt.Fprintf(&b, "Username: %s\r\n\r\n", login)
	b.WriteString("If this was a mistake, just ignore this email and nothing will happen.\r\n\r\n")
	b.WriteString("To reset your password, visit the following address:\r\n\r\n")
	fmt.Fprintf(&b, "<%s>\r\n", link)
	return b.String()
}

func resetFailed() error {
	return apperror.Internal(apperror.CodeResetFailed, "could not start the password reset")
}

func invalidResetKey() error {
	return apperror.Authentication(apperror.CodeInvalidResetKey, "the reset key is invalid or expired")
}
