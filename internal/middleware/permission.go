package middleware

import (
	"fmt"
	"net/http"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/model"
)

// RequirePermission rejects callers whose identity does not grant perm.
// Bearer identities hold every permission. Must be applied after Auth.
func RequirePermission(perm model.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.IdentityFromContext(r.Context())
			if id == nil {
				writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "Authentication required")
				return
			}
			if !auth.HasPermission(id, perm) {
				writeError(w, http.StatusForbidden, dto.CodeForbidden,
					fmt.Sprintf("API key lacks the %q permission", perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireBearer rejects API key callers. Used for routes that manage keys.
func RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch auth.IdentityFromContext(r.Context()).(type) {
		case *auth.BearerIdentity:
			next.ServeHTTP(w, r)
		case nil:
			writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "Authentication required")
		default:
			writeError(w, http.StatusForbidden, dto.CodeForbidden, "This route requires a bearer token")
		}
	})
}
