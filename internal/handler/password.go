package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/user-api/internal/service"
)

// PasswordResetService is what PasswordHandler needs from the service layer.
type PasswordResetService interface {
	RequestReset(ctx context.Context, email string) (service.Result, error)
	ChangePassword(ctx context.Context, login, key, newPassword string) (service.Result, error)
}

// PasswordHandler serves the password reset endpoints.
type PasswordHandler struct {
	reset  PasswordResetService
	logger *slog.Logger
}

func NewPasswordHandler(reset PasswordResetService, logger *slog.Logger) *PasswordHandler {
	return &PasswordHandler{reset: reset, logger: logger}
}

// HandleReset mails a reset link.
//
// HTTP: POST /password/reset
// BODY: {"email": "..."}
func (h *PasswordHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.reset.RequestReset(r.Context(), p.get("email"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleChange redeems a reset key.
//
// HTTP: POST /password/change
// BODY: {"login": "...", "key": "...", "new_password": "..."}
func (h *PasswordHandler) HandleChange(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.reset.ChangePassword(r.Context(), p.get("login"), p.get("key"), p.get("new_password", "password"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
