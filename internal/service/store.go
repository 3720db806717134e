package service

import (
	"context"

	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/query"
)

// FlowStore persists flows and their run history. Implementations return
// repository.ErrFlowNotFound for missing rows.
type FlowStore interface {
	CreateFlow(ctx context.Context, flow *model.Flow) error
	GetFlow(ctx context.Context, id string) (*model.Flow, error)
	GetOwnedFlow(ctx context.Context, id, ownerID string) (*model.Flow, error)
	ListFlowsByOwner(ctx context.Context, ownerID string) ([]*model.Flow, error)
	ListScheduledFlows(ctx context.Context) ([]*model.Flow, error)
	UpdateFlowStatus(ctx context.Context, id string, status model.FlowStatus) error
	DeleteOwnedFlow(ctx context.Context, id, ownerID string) error

	CreateRun(ctx context.Context, run *model.FlowRun) error
	ListRuns(ctx context.Context, flowID string, limit int) ([]*model.FlowRun, error)
}

// Scheduler is the job table driven by the lifecycle.
type Scheduler interface {
	Register(flowID string, schedule model.Schedule) error
	Start(flowID string) error
	Stop(flowID string)
	Deregister(flowID string)
}

// QueryEngine runs flow queries.
type QueryEngine interface {
	Check(ctx context.Context, syntax string, vars []string) error
	Execute(ctx context.Context, syntax string, vars []string) (*query.Result, error)
}
