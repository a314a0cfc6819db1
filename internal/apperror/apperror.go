// Package apperror defines the typed errors shared by every layer of the API.
//
// ERROR MODEL:
// Each AppError wraps one of the category sentinels below (so callers can use
// errors.Is) and carries a stable machine code such as "email_taken". The code
// is what API clients switch on; the message is for humans.
//
//	repository returns: apperror.Conflict("account", "email", email)
//	service wraps:      apperror.New(apperror.ErrConflict, CodeEmailTaken, "...")
//	handler maps:       ErrConflict → 400, body {"code":"email_taken",...}
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication failed")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrUpstream       = errors.New("upstream failure")
	ErrInternal       = errors.New("internal error")
)

// Stable error codes returned to API clients.
const (
	CodeInvalidRequest           = "invalid_request"
	CodeUnsupportedProvider      = "unsupported_provider"
	CodeSocialVerificationFailed = "social_verification_failed"
	CodeInvalidCredentials       = "invalid_credentials"
	CodeUserNotFound             = "user_not_found"
	CodeAlreadyExists            = "already_exists"
	CodeInternalStoreError       = "internal_store_error"
	CodeNonceInvalid             = "nonce_invalid"
	CodeWrongPassword            = "wrong_password"
	CodeCreateFailed             = "create_failed"
	CodeInvalidSession           = "invalid_session"
	CodeNotFound                 = "not_found"
	CodeEmailTaken               = "email_taken"
	CodeUpdateFailed             = "update_failed"
	CodeResetFailed              = "reset_failed"
	CodeMailFailed               = "mail_failed"
	CodeInvalidResetKey          = "invalid_reset_key"
	CodeConflict                 = "conflict"
	CodeInternal                 = "internal_error"
)

type AppError struct {
	Err     error  // category sentinel
	Code    string // stable machine-readable code
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Status maps the error category to an HTTP status. Client-side failures are
// all 400, matching what mobile clients of this API already expect.
func (e *AppError) Status() int {
	switch {
	case errors.Is(e.Err, ErrUpstream), errors.Is(e.Err, ErrInternal):
		return http.StatusInternalServerError
	case e.Err == nil:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New builds an AppError in the given category.
func New(kind error, code, message string) *AppError {
	return &AppError{Err: kind, Code: code, Message: message}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Code:    CodeInvalidRequest,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a uniqueness violation on the given field.
func Conflict(resource, field, value string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s conflict on %s %s", resource, field, value),
		Field:   field,
	}
}

// Authentication reports a failed credential check.
func Authentication(code, message string) *AppError {
	return &AppError{Err: ErrAuthentication, Code: code, Message: message}
}

// Internal reports a server-side failure.
func Internal(code, message string) *AppError {
	return &AppError{Err: ErrInternal, Code: code, Message: message}
}

// Upstream reports a failed dependency such as the mail relay.
func Upstream(code, message string) *AppError {
	return &AppError{Err: ErrUpstream, Code: code, Message: message}
}

// CodeOf returns the stable code carried by err, or "" if err is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
