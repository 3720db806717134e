// Package scheduler keeps one recurring timer per flow and emits a Fired
// event each time a flow comes due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/propelr/propelr/internal/logattr"
	"github.com/propelr/propelr/internal/model"
)

var (
	// ErrNotRegistered is returned when starting a flow with no job.
	ErrNotRegistered = errors.New("flow not registered with scheduler")
	// ErrUnschedulable is returned when registering a none schedule.
	ErrUnschedulable = errors.New("schedule type none cannot be registered")
)

const eventBuffer = 64

type (
	// Fired is emitted when an active flow comes due
	Fired struct {
		FlowID string
		At     time.Time
	}

	// Scheduler owns the job table and a single run loop. A registered job
	// fires only while active.
	Scheduler struct {
		now       Clock
		makeTimer TimerConstructor
		loc       *time.Location
		logger    *slog.Logger

		mu      sync.Mutex
		jobs    map[string]*job
		pending *fireHeap
		cancel  context.CancelFunc

		wake   chan struct{}
		events chan Fired
		done   chan struct{}
	}

	job struct {
		schedule model.Schedule
		active   bool
	}
)

// New creates a Scheduler evaluating schedules in loc
func New(now Clock, makeTimer TimerConstructor, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		now:       now,
		makeTimer: makeTimer,
		loc:       loc,
		logger:    logger.With("component", "scheduler"),
		jobs:      map[string]*job{},
		pending:   newFireHeap(),
		wake:      make(chan struct{}, 1),
		events:    make(chan Fired, eventBuffer),
		done:      make(chan struct{}),
	}
}

// Events returns the channel of fires. It is closed when Run returns.
func (s *Scheduler) Events() <-chan Fired {
	return s.events
}

// Register adds or replaces the job for flowID. A new job is inactive; a
// replaced job keeps its active state with the new cadence.
func (s *Scheduler) Register(flowID string, sched model.Schedule) error {
	if sched.Type == model.ScheduleNone {
		return ErrUnschedulable
	}
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", flowID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[flowID]
	if !ok {
		s.jobs[flowID] = &job{schedule: sched}
		return nil
	}
	j.schedule = sched
	if j.active {
		s.pending.Upsert(flowID, Next(sched, s.now(), s.loc))
		s.poke()
	}
	return nil
}

// Start activates the job for flowID. Starting an active job is a no-op.
func (s *Scheduler) Start(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[flowID]
	if !ok {
		return ErrNotRegistered
	}
	if j.active {
		return nil
	}
	j.active = true
	s.pending.Upsert(flowID, Next(j.schedule, s.now(), s.loc))
	s.poke()
	return nil
}

// Stop deactivates the job for flowID. Unknown ids are ignored.
func (s *Scheduler) Stop(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[flowID]; ok {
		j.active = false
	}
	s.pending.Remove(flowID)
	s.poke()
}

// Deregister removes the job and any pending fire for flowID
func (s *Scheduler) Deregister(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, flowID)
	s.pending.Remove(flowID)
	s.poke()
}

// Registered reports whether flowID has a job
func (s *Scheduler) Registered(flowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[flowID]
	return ok
}

// IsActive reports whether flowID has an active job
func (s *Scheduler) IsActive(flowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[flowID]
	return ok && j.active
}

// ActiveCount returns the number of active jobs
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.active {
			n++
		}
	}
	return n
}

// NextFire returns the pending fire time of an active job
func (s *Scheduler) NextFire(flowID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.At(flowID)
}

// Run drives the timer until ctx is cancelled or Shutdown is called
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	defer close(s.events)
	defer cancel()

	s.logger.Info("scheduler started", slog.String("location", s.loc.String()))

	timer := s.makeTimer(time.Hour)
	timer.Stop()
	var timerCh <-chan time.Time

	resetTimer := func() {
		s.mu.Lock()
		next := s.pending.Peek()
		var at time.Time
		if next != nil {
			at = next.at
		}
		s.mu.Unlock()

		if at.IsZero() {
			timer.Stop()
			timerCh = nil
			return
		}
		timer.Reset(max(at.Sub(s.now()), 0))
		timerCh = timer.Channel()
	}

	for {
		resetTimer()
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-s.wake:
		case <-timerCh:
			for _, f := range s.popDue() {
				select {
				case s.events <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Shutdown stops the run loop and waits for it to exit
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// popDue collects every due fire and queues each job's next occurrence.
// Occurrences missed while the process was busy collapse into one fire.
func (s *Scheduler) popDue() []Fired {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var fired []Fired
	for p := s.pending.PopDue(now); p != nil; p = s.pending.PopDue(now) {
		j, ok := s.jobs[p.flowID]
		if !ok || !j.active {
			continue
		}
		fired = append(fired, Fired{FlowID: p.flowID, At: p.at})
		next := Next(j.schedule, now, s.loc)
		if next.IsZero() {
			s.logger.Error("no next occurrence", logattr.FlowID(p.flowID))
			continue
		}
		s.pending.Upsert(p.flowID, next)
	}
	return fired
}

// poke wakes the run loop; callers hold mu
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
