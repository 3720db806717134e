package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/metrics"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/notify"
	"github.com/propelr/propelr/internal/query"
	"github.com/propelr/propelr/internal/testutil/memstore"
)

var errStoreDown = errors.New("store down")

// fakeScheduler records lifecycle calls against an in-memory job table.
type fakeScheduler struct {
	mu          sync.Mutex
	jobs        map[string]model.Schedule
	active      map[string]bool
	calls       []string
	registerErr error
	startErr    error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		jobs:   map[string]model.Schedule{},
		active: map[string]bool{},
	}
}

func (f *fakeScheduler) Register(flowID string, s model.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "register:"+flowID)
	if f.registerErr != nil {
		return f.registerErr
	}
	f.jobs[flowID] = s
	return nil
}

func (f *fakeScheduler) Start(flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+flowID)
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.jobs[flowID]; !ok {
		return errors.New("not registered")
	}
	f.active[flowID] = true
	return nil
}

func (f *fakeScheduler) Stop(flowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+flowID)
	f.active[flowID] = false
}

func (f *fakeScheduler) Deregister(flowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "deregister:"+flowID)
	delete(f.jobs, flowID)
	delete(f.active, flowID)
}

func (f *fakeScheduler) registered(flowID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[flowID]
	return ok
}

func (f *fakeScheduler) isActive(flowID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[flowID]
}

func (f *fakeScheduler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// gateEngine blocks Execute until release is closed.
type gateEngine struct {
	entered chan struct{}
	release chan struct{}
}

func newGateEngine() *gateEngine {
	return &gateEngine{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gateEngine) Check(context.Context, string, []string) error { return nil }

func (g *gateEngine) Execute(ctx context.Context, _ string, vars []string) (*query.Result, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		out[v] = int64(1)
	}
	return &query.Result{Vars: out, Names: vars}, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []*notify.Notification
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n *notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) notifications() []*notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*notify.Notification(nil), d.sent...)
}

type flowEnv struct {
	store   *memstore.Store
	sched   *fakeScheduler
	metrics *metrics.InMemoryRecorder
	svc     *FlowService
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	store := memstore.New()
	sched := newFakeScheduler()
	rec := metrics.NewInMemory()
	svc := NewFlowService(store, sched, query.NewBridge(2*time.Second), rec, discardLogger())
	return &flowEnv{store: store, sched: sched, metrics: rec, svc: svc}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bearer(userID string) *auth.BearerIdentity {
	return &auth.BearerIdentity{UserID: userID, Email: userID + "@example.com"}
}

func keyWith(userID string, perms ...model.Permission) *auth.KeyIdentity {
	return &auth.KeyIdentity{UserID: userID, KeyID: "key-" + userID, KeyPrefix: "abc123", Permissions: perms}
}

func dailyInput(syntax string, vars ...string) CreateFlowInput {
	return CreateFlowInput{
		Query:    model.Query{Syntax: syntax, Vars: vars},
		Schedule: model.Schedule{Type: model.ScheduleDaily, Time: "09:00"},
		Receiver: model.Receiver{Identity: model.ReceiverEmail, Address: "ops@example.com"},
	}
}
