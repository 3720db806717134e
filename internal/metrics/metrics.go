// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Execution outcome and trigger labels.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Recorder captures metric events for the application.
type Recorder interface {
	// Flow lifecycle metrics
	IncFlowCreated()
	IncFlowStarted()
	IncFlowStopped()
	IncFlowDeleted()

	// Execution metrics
	IncExecution(trigger, status string)
	ObserveExecutionDuration(duration time.Duration)
	IncFireCoalesced()

	// Notification metrics
	IncNotification(status string) // status: "success" or "failed"
}
