package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/propelr/propelr/internal/model"
)

// CreateRun records one execution of a flow.
func (r *Repository) CreateRun(ctx context.Context, run *model.FlowRun) error {
	var vars []byte
	if run.Vars != nil {
		var err error
		if vars, err = json.Marshal(run.Vars); err != nil {
			return fmt.Errorf("encode run vars: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO flow_runs (id, flow_id, trigger, status, vars, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		run.ID,
		run.FlowID,
		string(run.Trigger),
		string(run.Status),
		vars,
		run.Error,
		run.StartedAt,
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// ListRuns returns a flow's most recent runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, flowID string, limit int) ([]*model.FlowRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, flow_id, trigger, status, vars, error, started_at, duration_ms
		FROM flow_runs
		WHERE flow_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*model.FlowRun, 0, limit)
	for rows.Next() {
		var (
			run             model.FlowRun
			trigger, status string
			vars            []byte
		)
		if err := rows.Scan(
			&run.ID,
			&run.FlowID,
			&trigger,
			&status,
			&vars,
			&run.Error,
			&run.StartedAt,
			&run.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Trigger = model.RunTrigger(trigger)
		run.Status = model.RunStatus(status)
		if len(vars) > 0 {
			if err := json.Unmarshal(vars, &run.Vars); err != nil {
				return nil, fmt.Errorf("decode run vars: %w", err)
			}
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
