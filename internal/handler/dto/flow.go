package dto

import (
	"time"

	"github.com/propelr/propelr/internal/model"
)

// CreateFlowRequest is the body of POST /api/flows. All three parts are
// required.
type CreateFlowRequest struct {
	Query    *model.Query    `json:"query"`
	Schedule *model.Schedule `json:"schedule"`
	Receiver *model.Receiver `json:"receiver"`
}

// IDResponse carries the id of the affected flow.
type IDResponse struct {
	ID string `json:"id"`
}

// FlowListResponse wraps a list of flows.
type FlowListResponse struct {
	Data []model.FlowSummary `json:"data"`
}

// ExecuteResponse is the result of an on-demand run. Vars is the same
// map as Data, ordered by the declared names.
type ExecuteResponse struct {
	Data    map[string]any `json:"data"`
	Vars    []string       `json:"vars"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
}

// RunResponse is one entry of a flow's run history.
type RunResponse struct {
	ID         string         `json:"id"`
	Trigger    string         `json:"trigger"`
	Status     string         `json:"status"`
	Vars       map[string]any `json:"vars,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
}

// RunListResponse wraps a list of runs.
type RunListResponse struct {
	Data []RunResponse `json:"data"`
}

// ToRunListResponse converts runs to their API form.
func ToRunListResponse(runs []*model.FlowRun) *RunListResponse {
	out := make([]RunResponse, len(runs))
	for i, r := range runs {
		out[i] = RunResponse{
			ID:         r.ID,
			Trigger:    string(r.Trigger),
			Status:     string(r.Status),
			Vars:       r.Vars,
			Error:      r.Error,
			StartedAt:  r.StartedAt,
			DurationMs: r.DurationMs,
		}
	}
	return &RunListResponse{Data: out}
}
