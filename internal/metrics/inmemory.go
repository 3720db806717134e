package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	FlowsCreated uint64
	FlowsStarted uint64
	FlowsStopped uint64
	FlowsDeleted uint64

	ScheduledSucceeded uint64
	ScheduledFailed    uint64
	ManualSucceeded    uint64
	ManualFailed       uint64

	ExecutionDurationCount   uint64
	ExecutionDurationTotalNs int64
	FiresCoalesced           uint64

	NotificationsSent   uint64
	NotificationsFailed uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	flowsCreated atomic.Uint64
	flowsStarted atomic.Uint64
	flowsStopped atomic.Uint64
	flowsDeleted atomic.Uint64

	scheduledSucceeded atomic.Uint64
	scheduledFailed    atomic.Uint64
	manualSucceeded    atomic.Uint64
	manualFailed       atomic.Uint64

	executionDurationCount   atomic.Uint64
	executionDurationTotalNs atomic.Int64
	firesCoalesced           atomic.Uint64

	notificationsSent   atomic.Uint64
	notificationsFailed atomic.Uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		FlowsCreated:             m.flowsCreated.Load(),
		FlowsStarted:             m.flowsStarted.Load(),
		FlowsStopped:             m.flowsStopped.Load(),
		FlowsDeleted:             m.flowsDeleted.Load(),
		ScheduledSucceeded:       m.scheduledSucceeded.Load(),
		ScheduledFailed:          m.scheduledFailed.Load(),
		ManualSucceeded:          m.manualSucceeded.Load(),
		ManualFailed:             m.manualFailed.Load(),
		ExecutionDurationCount:   m.executionDurationCount.Load(),
		ExecutionDurationTotalNs: m.executionDurationTotalNs.Load(),
		FiresCoalesced:           m.firesCoalesced.Load(),
		NotificationsSent:        m.notificationsSent.Load(),
		NotificationsFailed:      m.notificationsFailed.Load(),
	}
}

func (m *InMemoryRecorder) IncFlowCreated() { m.flowsCreated.Add(1) }
func (m *InMemoryRecorder) IncFlowStarted() { m.flowsStarted.Add(1) }
func (m *InMemoryRecorder) IncFlowStopped() { m.flowsStopped.Add(1) }
func (m *InMemoryRecorder) IncFlowDeleted() { m.flowsDeleted.Add(1) }

// IncExecution counts one execution by trigger and outcome.
func (m *InMemoryRecorder) IncExecution(trigger, status string) {
	ok := status == StatusSuccess
	switch {
	case trigger == TriggerSchedule && ok:
		m.scheduledSucceeded.Add(1)
	case trigger == TriggerSchedule:
		m.scheduledFailed.Add(1)
	case ok:
		m.manualSucceeded.Add(1)
	default:
		m.manualFailed.Add(1)
	}
}

// ObserveExecutionDuration records query run time.
func (m *InMemoryRecorder) ObserveExecutionDuration(d time.Duration) {
	m.executionDurationCount.Add(1)
	m.executionDurationTotalNs.Add(d.Nanoseconds())
}

// IncFireCoalesced counts a fire skipped because a run was in flight.
func (m *InMemoryRecorder) IncFireCoalesced() { m.firesCoalesced.Add(1) }

// IncNotification counts a dispatch outcome.
func (m *InMemoryRecorder) IncNotification(status string) {
	if status == StatusSuccess {
		m.notificationsSent.Add(1)
		return
	}
	m.notificationsFailed.Add(1)
}
