package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/paysettle/internal/auth"
)

// TokenValidator validates bearer tokens. *auth.JWTService implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token subject as the user ID for downstream handlers.
func RequireAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeJSONError(w, r.WithContext(SetErrorCode(r.Context(), "auth_failed")),
					http.StatusUnauthorized, "auth_failed", "Missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Token has expired"
				}
				writeJSONError(w, r.WithContext(SetErrorCode(r.Context(), "auth_failed")),
					http.StatusUnauthorized, "auth_failed", msg)
				return
			}

			ctx := SetUserID(r.Context(), claims.UserID())
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
