package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/service"
)

// AuthService is what AuthHandler needs from the service layer.
// *service.AuthService implements it; tests use a fake.
type AuthService interface {
	LoginOrRegister(ctx context.Context, c service.Claim) (model.Session, error)
	SocialLogin(ctx context.Context, provider, accessToken, externalID string) (model.Session, error)
	EmailLogin(ctx context.Context, nonce, email, password string) (model.Session, error)
	EmailRegister(ctx context.Context, nonce, email, password string) (model.Session, error)
	IssueNonce(email, action string) (service.NonceResult, error)
}

// AuthHandler serves the login, registration and nonce endpoints.
//
// Every login endpoint answers with the session artifact
//
//	{"account_id": 42, "expires_at": 1735689600, "token": "eyJ..."}
//
// and also sets it as the HttpOnly "token" cookie for browser clients.
type AuthHandler struct {
	auth   AuthService
	logger *slog.Logger
}

func NewAuthHandler(auth AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// HandleSocialLogin logs in (or registers) with a social access token.
//
// HTTP: POST /social-login, POST /sl-api/login
// PARAMS: provider, access_token, external_id
// (social_type and social_id are accepted for older clients)
func (h *AuthHandler) HandleSocialLogin(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	session, err := h.auth.SocialLogin(r.Context(),
		p.get("provider", "social_type"),
		p.get("access_token"),
		p.get("external_id", "social_id"),
	)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeSession(w, session)
}

// HandleEmailLogin logs in with email and password.
//
// HTTP: POST /email-login
// BODY: {"nonce": "...", "email": "...", "password": "..."}
func (h *AuthHandler) HandleEmailLogin(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	session, err := h.auth.EmailLogin(r.Context(), p.get("nonce"), p.get("email"), p.get("password"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeSession(w, session)
}

// HandleEmailRegister creates an email account.
//
// HTTP: POST /email-register
// BODY: {"nonce": "...", "email": "...", "password": "..."}
func (h *AuthHandler) HandleEmailRegister(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	session, err := h.auth.EmailRegister(r.Context(), p.get("nonce"), p.get("email"), p.get("password"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeSession(w, session)
}

// HandleLogin is the combined login-or-register endpoint.
//
// HTTP: POST /login
// PARAMS: provider ("email" or a social provider), then either
// email + password or access_token + external_id
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	session, err := h.auth.LoginOrRegister(r.Context(), service.Claim{
		Provider:    p.get("provider", "social_type"),
		Email:       p.get("email"),
		Password:    p.get("password"),
		AccessToken: p.get("access_token"),
		ExternalID:  p.get("external_id", "social_id"),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeSession(w, session)
}

// HandleNonce issues a nonce for the email endpoints.
//
// HTTP: GET /nonce?email=a@b.c&action=email-login
func (h *AuthHandler) HandleNonce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.auth.IssueNonce(q.Get("email"), q.Get("action"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeSession sends the session artifact and sets the session cookie.
//
// COOKIE FLAGS:
//   - HttpOnly: JavaScript cannot read it
//   - SameSite=Lax: not sent on cross-site POSTs
//
// Secure is left to the TLS-terminating proxy setup.
func (h *AuthHandler) writeSession(w http.ResponseWriter, s model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    s.Token,
		Path:     "/",
		Expires:  time.Unix(s.ExpiresAt, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, s)
}
