package main

import (
	"encoding/json"
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
	"github.com/propelr/propelr/internal/config"
	"github.com/propelr/propelr/internal/handler"
	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/metrics"
	"github.com/propelr/propelr/internal/middleware"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/query"
	"github.com/propelr/propelr/internal/scheduler"
	"github.com/propelr/propelr/internal/service"
	"github.com/propelr/propelr/internal/testutil/memstore"
)

type apiEnv struct {
	t      *testing.T
	router http.Handler
	sched  *scheduler.Scheduler
	mr     *miniredis.Miniredis
}

func newAPIEnv(t *testing.T, cfg *config.Config) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewFromClient(client)

	store := memstore.New()
	recorder := metrics.NewPrometheus()
	tokens := auth.NewTokens("router-test-secret-0123456789", time.Hour)
	sched := scheduler.New(time.Now, scheduler.NewTimer, time.UTC, logger)
	engine := query.NewBridge(2 * time.Second)

	r := setupRouter(routes{
		index:    handler.New("test"),
		health:   handler.NewHealthHandler(c, c, nil),
		metrics:  handler.NewMetricsHandler(recorder.Registry()),
		flows:    handler.NewFlowHandler(service.NewFlowService(store, sched, engine, recorder, logger), logger),
		accounts: handler.NewAccountHandler(service.NewAccountService(store, tokens, auth.EnvTest, logger), logger),
		resolver: auth.NewResolver(tokens, store, c, logger),
		cache:    c,
	}, cfg, logger)

	return &apiEnv{t: t, router: r, sched: sched, mr: mr}
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:             "test",
		MaxRequestBodySize: 1 << 20,
	}
}

func (e *apiEnv) request(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRouter_EndToEnd(t *testing.T) {
	env := newAPIEnv(t, testConfig())

	rec := env.request(http.MethodPost, "/api/users/register", `{"email":"dev@example.com","password":"correct horse"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[dto.SessionResponse](t, rec)
	asUser := map[string]string{"Authorization": "Bearer " + session.Token}

	rec = env.request(http.MethodPost, "/api/flows", `{
		"query": {"syntax": "x = 1", "vars": ["x"]},
		"schedule": {"type": "daily", "time": "09:00"},
		"receiver": {"identity": "email", "address": "ops@example.com"}
	}`, asUser)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	flowID := decode[dto.IDResponse](t, rec).ID

	rec = env.request(http.MethodGet, "/api/flows/"+flowID+"/start", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.sched.ActiveCount())

	// Issue an execute-only key and use it.
	rec = env.request(http.MethodPost, "/api/developers/keys", `{"name":"ci","permissions":["execute"]}`, asUser)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	key := decode[model.APIKeyCreateResponse](t, rec).Key
	asKey := map[string]string{middleware.APIKeyHeader: key}

	rec = env.request(http.MethodGet, "/api/flows/"+flowID+"/execute", "", asKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	exec := decode[dto.ExecuteResponse](t, rec)
	assert.Equal(t, map[string]any{"x": float64(1)}, exec.Data)

	rec = env.request(http.MethodGet, "/api/flows/"+flowID+"/stop", "", asKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, dto.CodeForbidden, decode[dto.ErrorResponse](t, rec).Error.Code)

	// Keys cannot issue keys.
	rec = env.request(http.MethodPost, "/api/developers/keys", `{"permissions":["execute"]}`, asKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The key header wins over a valid bearer token.
	both := map[string]string{"Authorization": asUser["Authorization"], middleware.APIKeyHeader: key}
	rec = env.request(http.MethodGet, "/api/flows/"+flowID+"/stop", "", both)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(http.MethodGet, "/api/flows/"+flowID+"/stop", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.sched.ActiveCount())

	rec = env.request(http.MethodGet, "/api/flows/"+flowID+"/runs", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[dto.RunListResponse](t, rec).Data, 1)

	rec = env.request(http.MethodPost, "/api/users/login", `{"email":"dev@example.com","password":"correct horse"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Unauthenticated(t *testing.T) {
	env := newAPIEnv(t, testConfig())

	for _, h := range []map[string]string{
		nil,
		{"Authorization": "Bearer not-a-token"},
		{"Authorization": "Basic dXNlcjpwYXNz"},
		{middleware.APIKeyHeader: "prk_live_a1b2c3_00000000000000000000000000000000"},
	} {
		rec := env.request(http.MethodGet, "/api/flows", "", h)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, dto.CodeUnauthorized, decode[dto.ErrorResponse](t, rec).Error.Code)
	}
}

func TestRouter_CreateRequiresJSON(t *testing.T) {
	env := newAPIEnv(t, testConfig())

	rec := env.request(http.MethodPost, "/api/users/register", `{"email":"dev@example.com","password":"correct horse"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[dto.SessionResponse](t, rec).Token

	rec = env.request(http.MethodPost, "/api/flows", `{}`, map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "text/plain",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, dto.CodeInvalidMIME, decode[dto.ErrorResponse](t, rec).Error.Code)
}

func TestRouter_Fallbacks(t *testing.T) {
	env := newAPIEnv(t, testConfig())

	rec := env.request(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, dto.CodeNotFound, decode[dto.ErrorResponse](t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = env.request(http.MethodPut, "/healthz", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	for _, path := range []string{"/", "/healthz", "/readyz", "/metrics"} {
		rec = env.request(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouter_AccountRoutesRateLimitedPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitIPEnabled = true
	cfg.RateLimitIPRPS = 1
	cfg.RateLimitIPBurst = 1
	env := newAPIEnv(t, cfg)

	body := `{"email":"nobody@example.com","password":"whatever123"}`
	rec := env.request(http.MethodPost, "/api/users/login", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(http.MethodPost, "/api/users/login", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
