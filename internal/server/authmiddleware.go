package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

type principalKey struct{}

// AuthMiddleware validates API keys and injects the caller's principal.
// The API key is extracted from the Authorization header (Bearer token format).
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("Authorization")
			if apiKey == "" {
				writeError(w, domain.NewAPIError(domain.ErrorTypeAuthentication, "Missing Authorization header"))
				return
			}

			// Remove "Bearer " prefix if present
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}

			p, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				writeError(w, domain.NewAPIError(domain.ErrorTypeAuthentication, "Invalid API key").
					WithCode(domain.ErrorCodeInvalidAPIKey))
				return
			}

			AddLogField(r.Context(), "user_id", p.UserID)
			ctx := context.WithValue(r.Context(), principalKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal retrieves the authenticated caller from context.
// Returns nil if the request was not authenticated.
func GetPrincipal(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(principalKey{}).(*auth.Principal); ok {
		return p
	}
	return nil
}
