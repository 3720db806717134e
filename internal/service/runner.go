package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/propelr/propelr/internal/logattr"
	"github.com/propelr/propelr/internal/metrics"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/notify"
	"github.com/propelr/propelr/internal/repository"
	"github.com/propelr/propelr/internal/scheduler"
)

// Runner consumes scheduler fires. Each fire runs the flow's query,
// records the run and dispatches the result. A flow has at most one run
// in flight; fires arriving meanwhile are skipped.
type Runner struct {
	store      FlowStore
	sched      Scheduler
	engine     QueryEngine
	dispatcher notify.Dispatcher
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewRunner creates a new Runner.
func NewRunner(store FlowStore, sched Scheduler, engine QueryEngine, dispatcher notify.Dispatcher, recorder metrics.Recorder, logger *slog.Logger) *Runner {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Runner{
		store:      store,
		sched:      sched,
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    recorder,
		logger:     logger.With("component", "runner"),
		now:        time.Now,
		inflight:   map[string]struct{}{},
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, events <-chan scheduler.Fired) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	r.logger.Info("runner started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				r.logger.Info("runner stopping")
				return nil
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle starts a run for ev unless one is already in flight for the
// same flow. It reports whether a run was started.
func (r *Runner) Handle(ctx context.Context, ev scheduler.Fired) bool {
	r.mu.Lock()
	if _, busy := r.inflight[ev.FlowID]; busy {
		r.mu.Unlock()
		r.metrics.IncFireCoalesced()
		r.logger.Warn("fire skipped, previous run in flight",
			logattr.FlowID(ev.FlowID),
			slog.Time("fired_at", ev.At),
		)
		return false
	}
	r.inflight[ev.FlowID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, ev.FlowID)
			r.mu.Unlock()
			r.wg.Done()
		}()
		r.execute(context.WithoutCancel(ctx), ev)
	}()
	return true
}

// Shutdown waits for in-flight runs to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, ev scheduler.Fired) {
	log := r.logger.With(logattr.FlowID(ev.FlowID))

	flow, err := r.store.GetFlow(ctx, ev.FlowID)
	if err != nil {
		if errors.Is(err, repository.ErrFlowNotFound) {
			log.Warn("fired flow no longer exists")
			r.sched.Deregister(ev.FlowID)
			return
		}
		log.Error("failed to load fired flow", logattr.Error(err))
		return
	}
	if !flow.IsRunning() {
		log.Debug("fired flow is not running", logattr.Status(flow.Status))
		return
	}

	started := r.now()
	res, runErr := r.engine.Execute(ctx, flow.Query.Syntax, flow.Query.Vars)
	elapsed := r.now().Sub(started)
	r.metrics.ObserveExecutionDuration(elapsed)

	run := &model.FlowRun{
		ID:         ulid.Make().String(),
		FlowID:     flow.ID,
		Trigger:    model.TriggerSchedule,
		StartedAt:  started.UTC(),
		DurationMs: elapsed.Milliseconds(),
	}

	if runErr != nil {
		run.Status = model.RunFailed
		run.Error = runErr.Error()
		r.metrics.IncExecution(metrics.TriggerSchedule, metrics.StatusFailed)
		r.fail(ctx, flow, run, runErr)
		return
	}

	run.Status = model.RunSucceeded
	run.Vars = res.Vars
	r.metrics.IncExecution(metrics.TriggerSchedule, metrics.StatusSuccess)
	if err := r.store.CreateRun(ctx, run); err != nil {
		log.Warn("failed to record run", logattr.RunID(run.ID), logattr.Error(err))
	}

	err = r.dispatcher.Dispatch(ctx, &notify.Notification{
		FlowID:     flow.ID,
		OwnerID:    flow.UserID,
		RunID:      run.ID,
		Receiver:   flow.Receiver,
		Vars:       res.Vars,
		ExecutedAt: started.UTC(),
	})
	if err != nil {
		r.metrics.IncNotification(metrics.StatusFailed)
		log.Error("notification failed", logattr.RunID(run.ID), logattr.Error(err))
		return
	}
	r.metrics.IncNotification(metrics.StatusSuccess)
	log.Info("flow run completed",
		logattr.RunID(run.ID),
		slog.Int64("duration_ms", run.DurationMs),
	)
}

// fail records the failed run, marks the flow failed and stops its job.
func (r *Runner) fail(ctx context.Context, flow *model.Flow, run *model.FlowRun, runErr error) {
	log := r.logger.With(logattr.FlowID(flow.ID), logattr.RunID(run.ID))
	log.Error("flow run failed", logattr.Error(runErr))

	r.sched.Stop(flow.ID)
	if err := r.store.UpdateFlowStatus(ctx, flow.ID, model.FlowFailed); err != nil {
		log.Error("failed to mark flow failed", logattr.Error(err))
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		log.Warn("failed to record run", logattr.Error(err))
	}
}
