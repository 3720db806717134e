package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/logattr"
)

const (
	// minAuthFailureDuration pads rejected requests so bearer and key
	// failures take the same time.
	minAuthFailureDuration = 200 * time.Millisecond

	// APIKeyHeader carries an API key. It wins over Authorization.
	APIKeyHeader = "X-API-Key"
)

// IdentityResolver turns request credentials into an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, authorization, apiKey string) (auth.Identity, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger   *slog.Logger
	Resolver IdentityResolver
}

// Auth returns a middleware that resolves the caller's identity and puts
// it in the request context. Requests without a valid credential get 401.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id, err := cfg.Resolver.Resolve(r.Context(), r.Header.Get("Authorization"), r.Header.Get(APIKeyHeader))
			if err != nil {
				reason := "invalid_credential"
				if !errors.Is(err, auth.ErrNoIdentity) {
					reason = "resolver_error"
				}
				cfg.Logger.Warn("authentication failed",
					slog.String("reason", reason),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				if elapsed := time.Since(start); elapsed < minAuthFailureDuration {
					time.Sleep(minAuthFailureDuration - elapsed)
				}
				writeError(w, http.StatusUnauthorized, dto.CodeUnauthorized, "Invalid or missing credentials")
				return
			}

			attrs := []any{
				logattr.UserID(id.OwnerID()),
				slog.String("endpoint", r.Method+" "+r.URL.Path),
				slog.String("request_id", GetRequestID(r.Context())),
			}
			if key, ok := id.(*auth.KeyIdentity); ok {
				attrs = append(attrs, slog.String("key_prefix", key.KeyPrefix))
			}
			cfg.Logger.Debug("authenticated", attrs...)
			recordIdentity(r.Context(), id)

			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
		})
	}
}
