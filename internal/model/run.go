package model

import "time"

// RunTrigger records what caused a flow execution.
type RunTrigger string

// Run triggers.
const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerManual   RunTrigger = "manual"
)

// RunStatus is the outcome of a single execution.
type RunStatus string

// Run outcomes.
const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// FlowRun is one recorded execution of a flow's query.
type FlowRun struct {
	ID         string         `json:"id"`
	FlowID     string         `json:"flow_id"`
	Trigger    RunTrigger     `json:"trigger"`
	Status     RunStatus      `json:"status"`
	Vars       map[string]any `json:"vars,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`
}
