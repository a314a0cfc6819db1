package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is an unexported type used for context keys in this package, so
// no other package can read or shadow our values.
type contextKey string

const accountIDKey contextKey = "accountID"

// SessionCookie is the cookie name browsers may carry the session token in.
const SessionCookie = "token"

// TokenFromRequest extracts a session token from, in order:
//   - Authorization: Bearer <token>
//   - the auth_cookie query parameter (what existing mobile clients send)
//   - the "token" cookie
//
// Returns "" if none is present.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("auth_cookie"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// RequireSession rejects requests without a valid session token and stores
// the authenticated account id in the request context.
//
// It does not check WHICH account the route is about; handlers compare
// AccountIDFromContext against the {id} path parameter.
func RequireSession(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := tokens.Validate(TokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":"invalid_session","message":"a valid session token is required","status":400}` + "\n"))
				return
			}

			ctx := WithAccountID(r.Context(), accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithAccountID returns a copy of ctx carrying the authenticated account id.
func WithAccountID(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountIDFromContext returns the authenticated account id, or (0, false)
// for anonymous requests.
func AccountIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(accountIDKey).(int64)
	return id, ok && id > 0
}
