package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/logattr"
	"github.com/propelr/propelr/internal/metrics"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/repository"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// FlowService owns the flow lifecycle: authorization, ownership, state
// transitions and keeping the scheduler in step with the store.
type FlowService struct {
	store   FlowStore
	sched   Scheduler
	engine  QueryEngine
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewFlowService creates a new FlowService.
func NewFlowService(store FlowStore, sched Scheduler, engine QueryEngine, recorder metrics.Recorder, logger *slog.Logger) *FlowService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &FlowService{
		store:   store,
		sched:   sched,
		engine:  engine,
		metrics: recorder,
		logger:  logger.With("component", "flows"),
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
	}
}

// CreateFlowInput defines input for creating a flow.
type CreateFlowInput struct {
	Query    model.Query
	Schedule model.Schedule
	Receiver model.Receiver
}

// ExecuteResult is the outcome of an on-demand run.
type ExecuteResult struct {
	Vars     map[string]any
	Names    []string
	Duration time.Duration
}

// Create validates and stores a new stopped flow. The query is checked
// before anything is written.
func (s *FlowService) Create(ctx context.Context, id auth.Identity, in CreateFlowInput) (*model.Flow, error) {
	if err := authorize(id, model.PermCreate); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	if err := s.engine.Check(ctx, in.Query.Syntax, in.Query.Vars); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	flow := &model.Flow{
		ID:        s.newID(),
		UserID:    id.OwnerID(),
		Status:    model.FlowStopped,
		Query:     in.Query,
		Schedule:  in.Schedule,
		Receiver:  in.Receiver,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if flow.Query.Vars == nil {
		flow.Query.Vars = []string{}
	}

	if flow.IsScheduled() {
		if err := s.sched.Register(flow.ID, flow.Schedule); err != nil {
			return nil, internal("register flow", err)
		}
	}

	if err := s.store.CreateFlow(ctx, flow); err != nil {
		if flow.IsScheduled() {
			s.sched.Deregister(flow.ID)
		}
		return nil, internal("create flow", err)
	}

	s.metrics.IncFlowCreated()
	s.logger.Info("flow created",
		logattr.FlowID(flow.ID),
		logattr.UserID(flow.UserID),
		slog.String("schedule", string(flow.Schedule.Type)),
	)
	return flow, nil
}

// List returns the caller's flows with receiver addresses redacted.
func (s *FlowService) List(ctx context.Context, id auth.Identity) ([]model.FlowSummary, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}

	flows, err := s.store.ListFlowsByOwner(ctx, id.OwnerID())
	if err != nil {
		return nil, internal("list flows", err)
	}

	out := make([]model.FlowSummary, len(flows))
	for i, f := range flows {
		out[i] = f.Summary()
	}
	return out, nil
}

// Get returns one of the caller's flows, redacted.
func (s *FlowService) Get(ctx context.Context, id auth.Identity, flowID string) (*model.FlowSummary, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}
	flow, err := s.owned(ctx, id, flowID)
	if err != nil {
		return nil, err
	}
	summary := flow.Summary()
	return &summary, nil
}

// Start moves a stopped or failed flow to running. The scheduler job is
// activated first; if persisting the status fails it is stopped again.
func (s *FlowService) Start(ctx context.Context, id auth.Identity, flowID string) (*model.Flow, error) {
	if err := authorize(id, model.PermStart); err != nil {
		return nil, err
	}
	flow, err := s.owned(ctx, id, flowID)
	if err != nil {
		return nil, err
	}
	if flow.IsRunning() {
		return nil, ErrFlowAlreadyRunning
	}

	if flow.IsScheduled() {
		if err := s.sched.Register(flow.ID, flow.Schedule); err != nil {
			return nil, internal("register flow", err)
		}
		if err := s.sched.Start(flow.ID); err != nil {
			return nil, internal("start job", err)
		}
	}

	if err := s.store.UpdateFlowStatus(ctx, flow.ID, model.FlowRunning); err != nil {
		if flow.IsScheduled() {
			s.sched.Stop(flow.ID)
		}
		return nil, s.persistErr("start", flow.ID, err)
	}

	flow.Status = model.FlowRunning
	s.metrics.IncFlowStarted()
	s.logger.Info("flow started", logattr.FlowID(flow.ID))
	return flow, nil
}

// Stop moves a running flow to stopped. Future fires are cancelled; a
// run already in flight completes.
func (s *FlowService) Stop(ctx context.Context, id auth.Identity, flowID string) (*model.Flow, error) {
	if err := authorize(id, model.PermStop); err != nil {
		return nil, err
	}
	flow, err := s.owned(ctx, id, flowID)
	if err != nil {
		return nil, err
	}
	if !flow.IsRunning() {
		return nil, ErrFlowNotRunning
	}

	if flow.IsScheduled() {
		s.sched.Stop(flow.ID)
	}

	if err := s.store.UpdateFlowStatus(ctx, flow.ID, model.FlowStopped); err != nil {
		if flow.IsScheduled() {
			if rerr := s.sched.Start(flow.ID); rerr != nil {
				s.logger.Error("failed to restore job after stop failure",
					logattr.FlowID(flow.ID),
					logattr.Error(rerr),
				)
			}
		}
		return nil, s.persistErr("stop", flow.ID, err)
	}

	flow.Status = model.FlowStopped
	s.metrics.IncFlowStopped()
	s.logger.Info("flow stopped", logattr.FlowID(flow.ID))
	return flow, nil
}

// Delete removes the flow from the store and the scheduler.
func (s *FlowService) Delete(ctx context.Context, id auth.Identity, flowID string) error {
	if err := authorize(id, model.PermDelete); err != nil {
		return err
	}

	if err := s.store.DeleteOwnedFlow(ctx, flowID, id.OwnerID()); err != nil {
		if errors.Is(err, repository.ErrFlowNotFound) {
			return ErrFlowNotFound
		}
		return internal("delete flow", err)
	}
	s.sched.Deregister(flowID)

	s.metrics.IncFlowDeleted()
	s.logger.Info("flow deleted", logattr.FlowID(flowID))
	return nil
}

// Execute runs the flow's query now. The flow's status is never changed;
// the run is recorded in its history.
func (s *FlowService) Execute(ctx context.Context, id auth.Identity, flowID string) (*ExecuteResult, error) {
	if err := authorize(id, model.PermExecute); err != nil {
		return nil, err
	}
	flow, err := s.owned(ctx, id, flowID)
	if err != nil {
		return nil, err
	}

	started := s.now()
	res, runErr := s.engine.Execute(ctx, flow.Query.Syntax, flow.Query.Vars)
	elapsed := s.now().Sub(started)

	run := &model.FlowRun{
		ID:         s.newID(),
		FlowID:     flow.ID,
		Trigger:    model.TriggerManual,
		StartedAt:  started.UTC(),
		DurationMs: elapsed.Milliseconds(),
	}
	status := metrics.StatusSuccess
	if runErr != nil {
		run.Status = model.RunFailed
		run.Error = runErr.Error()
		status = metrics.StatusFailed
	} else {
		run.Status = model.RunSucceeded
		run.Vars = res.Vars
	}
	s.metrics.IncExecution(metrics.TriggerManual, status)
	s.metrics.ObserveExecutionDuration(elapsed)

	if err := s.store.CreateRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record run", logattr.FlowID(flow.ID), logattr.Error(err))
	}

	if runErr != nil {
		return nil, runErr
	}
	return &ExecuteResult{Vars: res.Vars, Names: res.Names, Duration: elapsed}, nil
}

// Runs lists the most recent executions of one of the caller's flows.
func (s *FlowService) Runs(ctx context.Context, id auth.Identity, flowID string, limit int) ([]*model.FlowRun, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}
	if _, err := s.owned(ctx, id, flowID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultRunsLimit
	}
	limit = min(limit, maxRunsLimit)

	runs, err := s.store.ListRuns(ctx, flowID, limit)
	if err != nil {
		return nil, internal("list runs", err)
	}
	return runs, nil
}

// Restore re-registers every scheduled flow and reactivates the running
// ones. It is called once at boot, before the scheduler loop starts.
func (s *FlowService) Restore(ctx context.Context) (int, error) {
	flows, err := s.store.ListScheduledFlows(ctx)
	if err != nil {
		return 0, internal("list scheduled flows", err)
	}

	active := 0
	for _, f := range flows {
		if err := s.sched.Register(f.ID, f.Schedule); err != nil {
			s.logger.Error("failed to restore flow", logattr.FlowID(f.ID), logattr.Error(err))
			continue
		}
		if !f.IsRunning() {
			continue
		}
		if err := s.sched.Start(f.ID); err != nil {
			s.logger.Error("failed to reactivate flow", logattr.FlowID(f.ID), logattr.Error(err))
			continue
		}
		active++
	}

	s.logger.Info("flows restored",
		slog.Int("registered", len(flows)),
		slog.Int("active", active),
	)
	return active, nil
}

// owned looks a flow up by id and owner in one query.
func (s *FlowService) owned(ctx context.Context, id auth.Identity, flowID string) (*model.Flow, error) {
	flow, err := s.store.GetOwnedFlow(ctx, flowID, id.OwnerID())
	if err != nil {
		if errors.Is(err, repository.ErrFlowNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, internal("get flow", err)
	}
	return flow, nil
}

func (s *FlowService) persistErr(op, flowID string, err error) error {
	if errors.Is(err, repository.ErrFlowNotFound) {
		return ErrFlowNotFound
	}
	s.logger.Error("failed to persist status",
		slog.String("op", op),
		logattr.FlowID(flowID),
		logattr.Error(err),
	)
	return internal(op+" flow", err)
}

func authorize(id auth.Identity, perm model.Permission) error {
	if id == nil {
		return ErrUnauthorized
	}
	if !auth.HasPermission(id, perm) {
		return ErrForbidden
	}
	return nil
}

func validateInput(in CreateFlowInput) error {
	if err := in.Query.Validate(); err != nil {
		return badInput("%s", err.Error())
	}
	if err := in.Schedule.Validate(); err != nil {
		return badInput("%s", err.Error())
	}
	if err := in.Receiver.Validate(); err != nil {
		return badInput("%s", err.Error())
	}
	return nil
}
