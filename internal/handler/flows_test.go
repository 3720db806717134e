package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/handler/dto"
	"github.com/propelr/propelr/internal/metrics"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/query"
	"github.com/propelr/propelr/internal/scheduler"
	"github.com/propelr/propelr/internal/service"
	"github.com/propelr/propelr/internal/testutil/memstore"
)

const workedExample = `{
	"query": {"syntax": "x = 1", "vars": ["x"]},
	"schedule": {"type": "daily", "time": "09:00"},
	"receiver": {"identity": "email", "address": "ops@example.com"}
}`

// Test identity headers. A request with X-Test-User and no X-Test-Perms is
// a bearer session; with X-Test-Perms it is an API key.
const (
	testUserHeader  = "X-Test-User"
	testPermsHeader = "X-Test-Perms"
)

func testIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(testUserHeader)
		if user == "" {
			next.ServeHTTP(w, r)
			return
		}
		var id auth.Identity = &auth.BearerIdentity{UserID: user}
		if raw, ok := r.Header[testPermsHeader]; ok {
			var perms []model.Permission
			for _, p := range strings.Split(raw[0], ",") {
				if p != "" {
					perms = append(perms, model.Permission(p))
				}
			}
			id = &auth.KeyIdentity{UserID: user, KeyID: "k-" + user, Permissions: perms}
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

type flowAPI struct {
	store  *memstore.Store
	sched  *scheduler.Scheduler
	router http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFlowAPI(t *testing.T) *flowAPI {
	t.Helper()
	store := memstore.New()
	sched := scheduler.New(time.Now, scheduler.NewTimer, time.UTC, discardLogger())
	svc := service.NewFlowService(store, sched, query.NewBridge(2*time.Second), metrics.NewInMemory(), discardLogger())
	h := NewFlowHandler(svc, discardLogger())

	r := chi.NewRouter()
	r.Use(testIdentity)
	r.Route("/api/flows", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/execute", h.Execute)
		r.Get("/{id}/start", h.Start)
		r.Get("/{id}/stop", h.Stop)
		r.Get("/{id}/runs", h.Runs)
	})
	return &flowAPI{store: store, sched: sched, router: r}
}

type call struct {
	method string
	path   string
	body   string
	user   string
	perms  *string
}

func (a *flowAPI) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(testUserHeader, c.user)
	}
	if c.perms != nil {
		req.Header.Set(testPermsHeader, *c.perms)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *flowAPI) create(t *testing.T, user, body string) string {
	t.Helper()
	rec := a.do(t, call{method: http.MethodPost, path: "/api/flows", body: body, user: user})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp dto.IDResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	assert.Equal(t, rec.Code, resp.Status)
	return resp
}

func perms(p string) *string { return &p }

func TestFlowHandler_Lifecycle(t *testing.T) {
	api := newFlowAPI(t)
	id := api.create(t, "u1", workedExample)

	assert.True(t, api.sched.Registered(id))
	assert.False(t, api.sched.IsActive(id))

	rec := api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/start", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"`+id+`"}`, rec.Body.String())
	assert.True(t, api.sched.IsActive(id))

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/start", user: "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, dto.CodeFlowAlreadyRunning, errorCode(t, rec).Error.Code)

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/execute", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var exec dto.ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
	assert.Equal(t, map[string]any{"x": float64(1)}, exec.Data)
	assert.Equal(t, []string{"x"}, exec.Vars)
	assert.Equal(t, http.StatusOK, exec.Status)
	assert.True(t, strings.HasPrefix(exec.Message, "Parsed query in "), exec.Message)
	assert.Equal(t, model.FlowRunning, api.store.Flow(id).Status)

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/stop", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, api.sched.IsActive(id))

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/stop", user: "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, dto.CodeFlowNotRunning, errorCode(t, rec).Error.Code)

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/runs", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var runs dto.RunListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs.Data, 1)
	assert.Equal(t, string(model.TriggerManual), runs.Data[0].Trigger)

	rec = api.do(t, call{method: http.MethodDelete, path: "/api/flows/" + id, user: "u1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, api.sched.Registered(id))

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id, user: "u1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, dto.CodeFlowNotFound, errorCode(t, rec).Error.Code)
}

func TestFlowHandler_CreateRejections(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		perms    *string
		wantCode int
		wantErr  string
	}{
		{"malformed JSON", `{"query":`, nil, http.StatusBadRequest, dto.CodeInvalidJSON},
		{"empty body", ``, nil, http.StatusBadRequest, dto.CodeInvalidJSON},
		{"unknown field", `{"query":{"syntax":"x = 1","vars":[]},"extra":1}`, nil, http.StatusBadRequest, dto.CodeInvalidJSON},
		{"trailing data", workedExample + `{}`, nil, http.StatusBadRequest, dto.CodeInvalidJSON},
		{"missing receiver", `{"query":{"syntax":"x = 1","vars":[]},"schedule":{"type":"none"}}`, nil, http.StatusBadRequest, dto.CodeBadInput},
		{"bad schedule", strings.Replace(workedExample, `"09:00"`, `"9am"`, 1), nil, http.StatusBadRequest, dto.CodeBadInput},
		{"bad receiver", strings.Replace(workedExample, `"email"`, `"fax"`, 1), nil, http.StatusBadRequest, dto.CodeBadInput},
		{"syntax error", strings.Replace(workedExample, `x = 1`, `x = = 1`, 1), nil, http.StatusBadRequest, dto.CodeInvalidSyntax},
		{"key without create", workedExample, perms("start,stop"), http.StatusForbidden, dto.CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFlowAPI(t)
			rec := api.do(t, call{method: http.MethodPost, path: "/api/flows", body: tt.body, user: "u1", perms: tt.perms})

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, errorCode(t, rec).Error.Code)
		})
	}
}

func TestFlowHandler_SyntaxErrorDetails(t *testing.T) {
	api := newFlowAPI(t)
	rec := api.do(t, call{
		method: http.MethodPost, path: "/api/flows", user: "u1",
		body: strings.Replace(workedExample, `x = 1`, `x = = 1`, 1),
	})

	resp := errorCode(t, rec)
	assert.Equal(t, query.SyntaxError, resp.Error.Message)
	assert.NotEmpty(t, resp.Error.Details)
}

func TestFlowHandler_Unauthenticated(t *testing.T) {
	api := newFlowAPI(t)
	rec := api.do(t, call{method: http.MethodGet, path: "/api/flows"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, dto.CodeUnauthorized, errorCode(t, rec).Error.Code)
}

func TestFlowHandler_ListRedactsAddress(t *testing.T) {
	api := newFlowAPI(t)
	api.create(t, "u1", workedExample)
	api.create(t, "u2", workedExample)

	rec := api.do(t, call{method: http.MethodGet, path: "/api/flows", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ops@example.com")

	var list dto.FlowListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows", user: "nobody"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestFlowHandler_OtherOwnerIsNotFound(t *testing.T) {
	api := newFlowAPI(t)
	id := api.create(t, "u1", workedExample)

	for _, path := range []string{"/" + id, "/" + id + "/start", "/" + id + "/execute", "/" + id + "/runs"} {
		rec := api.do(t, call{method: http.MethodGet, path: "/api/flows" + path, user: "u2"})
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := api.do(t, call{method: http.MethodDelete, path: "/api/flows/" + id, user: "u2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotNil(t, api.store.Flow(id))
}

func TestFlowHandler_KeyPermissions(t *testing.T) {
	api := newFlowAPI(t)
	id := api.create(t, "u1", workedExample)

	rec := api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/start", user: "u1", perms: perms("execute")})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id + "/execute", user: "u1", perms: perms("execute")})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reads need no particular permission.
	rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/" + id, user: "u1", perms: perms("")})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFlowHandler_ExecuteTimeout(t *testing.T) {
	api := newFlowAPI(t)
	flow := &model.Flow{
		ID:       "01SPIN",
		UserID:   "u1",
		Status:   model.FlowStopped,
		Query:    model.Query{Syntax: "while true do end", Vars: []string{}},
		Schedule: model.Schedule{Type: model.ScheduleNone},
		Receiver: model.Receiver{Identity: model.ReceiverDiscord, Address: "https://discord.example/hook"},
	}
	require.NoError(t, api.store.CreateFlow(context.Background(), flow))

	rec := api.do(t, call{method: http.MethodGet, path: "/api/flows/01SPIN/execute?timeout=50", user: "u1"})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, dto.CodeQueryTimeout, errorCode(t, rec).Error.Code)
	assert.Equal(t, model.FlowStopped, api.store.Flow("01SPIN").Status)

	for _, bad := range []string{"abc", "0", "-5"} {
		rec = api.do(t, call{method: http.MethodGet, path: "/api/flows/01SPIN/execute?timeout=" + bad, user: "u1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestFlowHandler_ExecuteRuntimeError(t *testing.T) {
	api := newFlowAPI(t)
	flow := &model.Flow{
		ID:       "01BOOM",
		UserID:   "u1",
		Status:   model.FlowRunning,
		Query:    model.Query{Syntax: `error("boom")`, Vars: []string{}},
		Schedule: model.Schedule{Type: model.ScheduleNone},
		Receiver: model.Receiver{Identity: model.ReceiverTelegram, Address: "@ops"},
	}
	require.NoError(t, api.store.CreateFlow(context.Background(), flow))

	rec := api.do(t, call{method: http.MethodGet, path: "/api/flows/01BOOM/execute", user: "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := errorCode(t, rec)
	assert.Equal(t, dto.CodeInvalidSyntax, resp.Error.Code)
	assert.Equal(t, query.RuntimeError, resp.Error.Message)

	// A failed manual run never changes the flow's status.
	assert.Equal(t, model.FlowRunning, api.store.Flow("01BOOM").Status)
	runs := api.store.Runs("01BOOM")
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs[0].Status)
}
