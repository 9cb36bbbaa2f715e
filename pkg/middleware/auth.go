package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"cgraph/internal/core/domain"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// BearerToken returns the token from the Authorization header, falling back
// to the "token" query parameter browsers use for WebSocket upgrades.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// UserID returns the authenticated user injected by AuthMiddleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

func AuthMiddleware(auth domain.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := BearerToken(r)
			if tok == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			userID, err := auth.VerifyToken(r.Context(), tok)
			if err != nil {
				if errors.Is(err, domain.ErrUnauthorized) {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
