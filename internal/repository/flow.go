package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/propelr/propelr/internal/model"
)

// ErrFlowNotFound is returned when no flow matches the lookup.
var ErrFlowNotFound = errors.New("flow not found")

const flowColumns = `id, user_id, status, query, schedule, receiver, created_at, updated_at`

// CreateFlow inserts a new flow. Query, schedule and receiver are stored
// as JSONB documents.
func (r *Repository) CreateFlow(ctx context.Context, flow *model.Flow) error {
	query, schedule, receiver, err := encodeFlowDocs(flow)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO flows (id, user_id, status, query, schedule, receiver, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		flow.ID,
		flow.UserID,
		string(flow.Status),
		query,
		schedule,
		receiver,
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow by ID regardless of owner.
func (r *Repository) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	return r.getFlow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)
}

// GetOwnedFlow retrieves a flow only if ownerID owns it.
func (r *Repository) GetOwnedFlow(ctx context.Context, id, ownerID string) (*model.Flow, error) {
	return r.getFlow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1 AND user_id = $2`, id, ownerID)
}

// ListFlowsByOwner returns a user's flows, oldest first.
func (r *Repository) ListFlowsByOwner(ctx context.Context, ownerID string) ([]*model.Flow, error) {
	return r.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE user_id = $1 ORDER BY created_at, id`, ownerID)
}

// ListScheduledFlows returns every flow with a recurring schedule.
func (r *Repository) ListScheduledFlows(ctx context.Context) ([]*model.Flow, error) {
	return r.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE schedule->>'type' <> 'none' ORDER BY created_at, id`)
}

// UpdateFlowStatus sets the lifecycle status of a flow.
func (r *Repository) UpdateFlowStatus(ctx context.Context, id string, status model.FlowStatus) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE flows
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update flow status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// DeleteOwnedFlow removes a flow and its run history.
func (r *Repository) DeleteOwnedFlow(ctx context.Context, id, ownerID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM flows WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (r *Repository) getFlow(ctx context.Context, query string, args ...any) (*model.Flow, error) {
	flow, err := scanFlow(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return flow, nil
}

func (r *Repository) queryFlows(ctx context.Context, query string, args ...any) ([]*model.Flow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []*model.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}
	return flows, nil
}

func scanFlow(row pgx.Row) (*model.Flow, error) {
	var (
		flow                      model.Flow
		status                    string
		query, schedule, receiver []byte
	)
	err := row.Scan(
		&flow.ID,
		&flow.UserID,
		&status,
		&query,
		&schedule,
		&receiver,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	flow.Status = model.FlowStatus(status)
	if err := json.Unmarshal(query, &flow.Query); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	if err := json.Unmarshal(schedule, &flow.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	if err := json.Unmarshal(receiver, &flow.Receiver); err != nil {
		return nil, fmt.Errorf("decode receiver: %w", err)
	}
	if flow.Query.Vars == nil {
		flow.Query.Vars = []string{}
	}
	return &flow, nil
}

func encodeFlowDocs(flow *model.Flow) (query, schedule, receiver []byte, err error) {
	if query, err = json.Marshal(flow.Query); err != nil {
		return nil, nil, nil, fmt.Errorf("encode query: %w", err)
	}
	if schedule, err = json.Marshal(flow.Schedule); err != nil {
		return nil, nil, nil, fmt.Errorf("encode schedule: %w", err)
	}
	if receiver, err = json.Marshal(flow.Receiver); err != nil {
		return nil, nil, nil, fmt.Errorf("encode receiver: %w", err)
	}
	return query, schedule, receiver, nil
}
