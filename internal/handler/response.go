package handler

// RESPONSE HELPERS:
//
//	writeJSON(w, http.StatusOK, data)
//	writeError(w, logger, err)
//
// CONSISTENT ERROR FORMAT:
// Every error response has the same shape, whatever the status:
//
//	{"code": "email_taken", "message": "This email is already taken", "status": 400}
//
// Clients switch on code. Client-side failures are 400; store, mail and
// provider failures are 500.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/user-api/internal/apperror"
)

// ErrorResponse is the error body returned by every endpoint.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// writeJSON sends data as JSON with the given status. Headers must be set
// before WriteHeader; anything set afterwards is silently dropped.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// headers are already sent; all we can do is log
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps err to its status and code. Errors that are not an
// *apperror.AppError are logged and answered with a generic 500, so driver
// messages never reach the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := appErr.Status()
		writeJSON(w, status, ErrorResponse{
			Code:    appErr.Code,
			Message: appErr.Message,
			Status:  status,
		})
		return
	}

	logger.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Code:    apperror.CodeInternal,
		Message: "An internal error occurred",
		Status:  http.StatusInternalServerError,
	})
}
