package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/flightrecorder/core/internal/apperr"
)

// AuthContext identifies the caller that authenticated a request.
type AuthContext struct {
	ActorID   string
	ActorType string
}

type authContextKey struct{}

// authFromContext returns the AuthContext a request carried, or the
// anonymous/local default if auth is disabled.
func authFromContext(ctx context.Context) AuthContext {
	if ac, ok := ctx.Value(authContextKey{}).(AuthContext); ok {
		return ac
	}
	return AuthContext{ActorID: "anonymous", ActorType: "local"}
}

// requireAuth builds middleware that enforces a bearer token against
// token when enabled is true. When enabled is false every request is
// treated as an authenticated local caller, matching a single-tenant
// development deployment.
func requireAuth(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				ctx := context.WithValue(r.Context(), authContextKey{}, AuthContext{ActorID: "anonymous", ActorType: "local"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeError(w, r, apperr.New(apperr.CodeAuthRequired, "Authorization token is required"))
				return
			}

			if strings.TrimPrefix(header, prefix) != token {
				writeError(w, r, apperr.New(apperr.CodeAuthForbidden, "Authorization token is invalid"))
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey{}, AuthContext{ActorID: "token_user", ActorType: "token"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
