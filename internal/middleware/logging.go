package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/logattr"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Logger logs one line per request. Credentials are never logged; the
// resolved owner is, when auth ran.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)
			holder := &identityHolder{}

			next.ServeHTTP(wrapped, r.WithContext(withIdentityHolder(r.Context(), holder)))

			duration := time.Since(start)
			attrs := []slog.Attr{
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.status),
				slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}

			if id := holder.get(); id != nil {
				attrs = append(attrs, logattr.UserID(id.OwnerID()))
			}

			level := slog.LevelInfo
			if wrapped.status >= 500 {
				level = slog.LevelError
			} else if wrapped.status >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

type identityHolderKey struct{}

// identityHolder lets Auth, which runs deeper in the chain, report the
// resolved identity back to the request logger.
type identityHolder struct {
	id auth.Identity
}

func (h *identityHolder) get() auth.Identity { return h.id }

func withIdentityHolder(ctx context.Context, h *identityHolder) context.Context {
	return context.WithValue(ctx, identityHolderKey{}, h)
}

func recordIdentity(ctx context.Context, id auth.Identity) {
	if h, ok := ctx.Value(identityHolderKey{}).(*identityHolder); ok {
		h.id = id
	}
}
