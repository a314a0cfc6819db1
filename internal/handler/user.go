package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/service"
)

// ProfileService is what UserHandler needs from the service layer.
type ProfileService interface {
	GetAccount(ctx context.Context, id int64, cred service.Credential) (*model.FormattedAccount, error)
	MergeUpdate(ctx context.Context, id int64, payload map[string]any) (*model.FormattedAccount, error)
}

// UserHandler serves /user/{id}.
type UserHandler struct {
	profiles ProfileService
	logger   *slog.Logger
}

func NewUserHandler(profiles ProfileService, logger *slog.Logger) *UserHandler {
	return &UserHandler{profiles: profiles, logger: logger}
}

// HandleGet returns the formatted account.
//
// HTTP: GET /user/{id}, GET /sl-api/user/{id}
//
// CREDENTIALS (first match wins):
//   - a session token (Bearer header, ?auth_cookie=, or the token cookie)
//   - ?provider=weibo&access_token=...&external_id=... (legacy clients)
func (h *UserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	q := r.URL.Query()
	cred := service.Credential{
		Token:       auth.TokenFromRequest(r),
		Provider:    firstNonEmpty(q.Get("provider"), q.Get("social_type")),
		AccessToken: q.Get("access_token"),
		ExternalID:  firstNonEmpty(q.Get("external_id"), q.Get("social_id")),
	}

	acc, err := h.profiles.GetAccount(r.Context(), id, cred)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// HandleUpdate merges a payload into the account. It runs behind
// auth.RequireSession, which has already validated the token.
//
// HTTP: PUT /user/{id}, PATCH /user/{id}
// BODY: {"display_name": "...", "meta": {"billing_postcode": "10115"}}
func (h *UserHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := accountIDParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// the session must belong to the account being updated
	if sessionID, ok := auth.AccountIDFromContext(r.Context()); !ok || sessionID != id {
		writeError(w, h.logger, apperror.Authentication(apperror.CodeInvalidSession,
			"the provided session is invalid for that user"))
		return
	}

	payload := map[string]any{}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		payload, err = decodeObject(r.Body)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	acc, err := h.profiles.MergeUpdate(r.Context(), id, payload)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func accountIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.ValidationFailed("id", "id must be a positive integer")
	}
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
