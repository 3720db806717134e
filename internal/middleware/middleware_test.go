package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/cache"
	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticResolver returns id for any request carrying a credential.
type staticResolver struct {
	id  auth.Identity
	err error
}

func (s staticResolver) Resolve(_ context.Context, authorization, apiKey string) (auth.Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	if authorization == "" && apiKey == "" {
		return nil, auth.ErrNoIdentity
	}
	return s.id, nil
}

// recordingResolver remembers the headers it was handed.
type recordingResolver struct {
	authorization string
	apiKey        string
}

func (r *recordingResolver) Resolve(_ context.Context, authorization, apiKey string) (auth.Identity, error) {
	r.authorization, r.apiKey = authorization, apiKey
	return &auth.BearerIdentity{UserID: "u1"}, nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var body dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	key := &auth.KeyIdentity{UserID: "u1", KeyID: "k1", KeyPrefix: "a1b2c3"}

	t.Run("missing credentials", func(t *testing.T) {
		h := Auth(AuthConfig{Logger: discard(), Resolver: staticResolver{id: key}})(okHandler())
		rec := httptest.NewRecorder()

		start := time.Now()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/flows", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, dto.CodeUnauthorized, decodeError(t, rec).Error.Code)
		assert.GreaterOrEqual(t, time.Since(start), minAuthFailureDuration)
	})

	t.Run("resolver failure is 401", func(t *testing.T) {
		h := Auth(AuthConfig{Logger: discard(), Resolver: staticResolver{err: errors.New("redis down")}})(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
		req.Header.Set(APIKeyHeader, "prk_live_a1b2c3_00000000000000000000000000000000")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("identity reaches handler", func(t *testing.T) {
		var got auth.Identity
		h := Auth(AuthConfig{Logger: discard(), Resolver: staticResolver{id: key}})(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = auth.IdentityFromContext(r.Context())
			}),
		)
		req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
		req.Header.Set(APIKeyHeader, "prk_live_a1b2c3_00000000000000000000000000000000")
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Same(t, key, got)
	})

	t.Run("passes both headers to the resolver", func(t *testing.T) {
		r := &recordingResolver{}
		h := Auth(AuthConfig{Logger: discard(), Resolver: r})(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
		req.Header.Set("Authorization", "Bearer t")
		req.Header.Set(APIKeyHeader, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "Bearer t", r.authorization)
		assert.Equal(t, "k", r.apiKey)
	})
}

func withIdentity(r *http.Request, id auth.Identity) *http.Request {
	if id == nil {
		return r
	}
	return r.WithContext(auth.ContextWithIdentity(r.Context(), id))
}

func TestRequirePermission(t *testing.T) {
	tests := []struct {
		name       string
		id         auth.Identity
		wantStatus int
	}{
		{"no identity", nil, http.StatusUnauthorized},
		{"bearer holds everything", &auth.BearerIdentity{UserID: "u1"}, http.StatusOK},
		{"key with permission", &auth.KeyIdentity{UserID: "u1", Permissions: []model.Permission{model.PermExecute}}, http.StatusOK},
		{"key without permission", &auth.KeyIdentity{UserID: "u1", Permissions: []model.Permission{model.PermCreate}}, http.StatusForbidden},
		{"key with no permissions", &auth.KeyIdentity{UserID: "u1"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RequirePermission(model.PermExecute)(okHandler())
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, withIdentity(httptest.NewRequest(http.MethodPost, "/api/flows/x/execute", nil), tt.id))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequireBearer(t *testing.T) {
	tests := []struct {
		name       string
		id         auth.Identity
		wantStatus int
		wantCode   string
	}{
		{"bearer", &auth.BearerIdentity{UserID: "u1"}, http.StatusOK, ""},
		{"api key", &auth.KeyIdentity{UserID: "u1", Permissions: model.ValidPermissions}, http.StatusForbidden, dto.CodeForbidden},
		{"anonymous", nil, http.StatusUnauthorized, dto.CodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RequireBearer(okHandler()).ServeHTTP(rec, withIdentity(httptest.NewRequest(http.MethodPost, "/api/developers/keys", nil), tt.id))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, rec).Error.Code)
			}
		})
	}
}

func TestRequireJSON(t *testing.T) {
	tests := []struct {
		contentType string
		wantStatus  int
	}{
		{"application/json", http.StatusOK},
		{"application/json; charset=utf-8", http.StatusOK},
		{"Application/JSON", http.StatusOK},
		{"", http.StatusBadRequest},
		{"text/plain", http.StatusBadRequest},
		{"application/jsonx", http.StatusBadRequest},
		{"multipart/form-data; boundary=x", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/flows", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			RequireJSON(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusBadRequest {
				assert.Equal(t, dto.CodeInvalidMIME, decodeError(t, rec).Error.Code)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when absent", "", false},
		{"caller id kept", "req-123", true},
		{"whitespace rejected", "has space", false},
		{"overlong rejected", strings.Repeat("a", maxRequestIDLength+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.keep {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.NotEqual(t, tt.incoming, seen)
			}
		})
	}
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, dto.CodeInternal, body.Error.Code)
	assert.Equal(t, http.StatusInternalServerError, body.Status)
}

func TestRecoverer_AbortHandlerPropagates(t *testing.T) {
	h := Recoverer(discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func newRateLimitConfig(t *testing.T) RateLimitConfig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return RateLimitConfig{
		Logger:          discard(),
		Cache:           cache.NewFromClient(client),
		IdentityEnabled: true,
		IdentityRPM:     1,
		IdentityBurst:   2,
		IPEnabled:       true,
		IPRPS:           1,
		IPBurst:         1,
	}
}

func TestRateLimitIdentity(t *testing.T) {
	cfg := newRateLimitConfig(t)
	h := RateLimitIdentity(cfg)(okHandler())

	call := func(id auth.Identity) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withIdentity(httptest.NewRequest(http.MethodGet, "/api/flows", nil), id))
		return rec
	}

	key := &auth.KeyIdentity{UserID: "u1", KeyID: "k1"}
	assert.Equal(t, http.StatusOK, call(key).Code)
	assert.Equal(t, http.StatusOK, call(key).Code)

	rec := call(key)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, dto.CodeRateLimited, decodeError(t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	// A bearer session of the same user has its own bucket.
	assert.Equal(t, http.StatusOK, call(&auth.BearerIdentity{UserID: "u1"}).Code)
}

func TestRateLimitIdentity_Disabled(t *testing.T) {
	cfg := newRateLimitConfig(t)
	cfg.IdentityEnabled = false
	h := RateLimitIdentity(cfg)(okHandler())

	id := &auth.BearerIdentity{UserID: "u1"}
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withIdentity(httptest.NewRequest(http.MethodGet, "/", nil), id))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimitIP(t *testing.T) {
	cfg := newRateLimitConfig(t)
	h := RateLimitIP(cfg)(okHandler())

	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/users/login", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, call("203.0.113.7"))
	assert.Equal(t, http.StatusOK, call("198.51.100.2"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 1.2.3.4 , 5.6.7.8"}, "9.9.9.9:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "4.3.2.1"}, "9.9.9.9:1", "4.3.2.1"},
		{"remote addr", nil, "9.9.9.9:1", "9.9.9.9:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
