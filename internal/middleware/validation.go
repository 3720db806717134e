package middleware

import (
	"mime"
	"net/http"

	"github.com/propelr/propelr/internal/handler/dto"
)

// RequireJSON rejects requests whose Content-Type is not
// application/json. Parameters such as charset are allowed.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusBadRequest, dto.CodeInvalidMIME, "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}
