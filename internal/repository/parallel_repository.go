package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// ParallelRepository persists fork/join group declarations and per-request
// execution state.
type ParallelRepository struct {
	q Querier
}

// NewParallelRepository creates a ParallelRepository over q.
func NewParallelRepository(q Querier) *ParallelRepository {
	return &ParallelRepository{q: q}
}

// CreateGroup inserts a parallel step group.
func (r *ParallelRepository) CreateGroup(ctx context.Context, g *ParallelStepGroup) error {
	query := `
		INSERT INTO parallel_step_groups
		    (id, workflow_id, entity_id, name, fork_step_id, join_step_id,
		     sync_type, required_approvals)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		g.ID,
		g.WorkflowID,
		g.EntityID,
		g.Name,
		g.ForkStepID,
		g.JoinStepID,
		g.SyncType,
		g.RequiredApprovals,
	).Scan(&g.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create parallel group")
	}
	return nil
}

// GetGroup retrieves a group by id.
func (r *ParallelRepository) GetGroup(ctx context.Context, id string) (*ParallelStepGroup, error) {
	g, err := scanGroup(r.q.QueryRow(ctx, groupSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "parallel_group", id)
	}
	return g, nil
}

// GroupByFork returns the group whose fork step is forkStepID, or nil when the
// step forks nothing.
func (r *ParallelRepository) GroupByFork(ctx context.Context, workflowID, forkStepID string) (*ParallelStepGroup, error) {
	query := groupSelect + ` WHERE workflow_id = $1 AND fork_step_id = $2`

	g, err := scanGroup(r.q.QueryRow(ctx, query, workflowID, forkStepID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to look up parallel group")
	}
	return g, nil
}

// CreateState inserts a per-request execution state.
func (r *ParallelRepository) CreateState(ctx context.Context, st *ParallelExecutionState) error {
	query := `
		INSERT INTO parallel_execution_states
		    (id, request_id, group_id, status, total_steps, completed_steps,
		     step_status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.q.Exec(ctx, query,
		st.ID,
		st.RequestID,
		st.GroupID,
		st.Status,
		st.TotalSteps,
		st.CompletedSteps,
		st.StepStatus,
		st.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("parallel execution already active for this request")
		}
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create parallel execution state")
	}
	return nil
}

// GetStateForUpdate retrieves a request's state for a group under FOR UPDATE.
// Callers must be inside a transaction.
func (r *ParallelRepository) GetStateForUpdate(ctx context.Context, requestID, groupID string) (*ParallelExecutionState, error) {
	query := stateSelect + `
		WHERE request_id = $1 AND group_id = $2
		FOR UPDATE
	`

	st, err := scanState(r.q.QueryRow(ctx, query, requestID, groupID))
	if err != nil {
		return nil, notFoundOr(err, "parallel_execution", requestID)
	}
	return st, nil
}

// ActiveState returns the pending execution state for a request, or nil.
func (r *ParallelRepository) ActiveState(ctx context.Context, requestID string) (*ParallelExecutionState, error) {
	query := stateSelect + `
		WHERE request_id = $1 AND status = 'pending'
	`

	st, err := scanState(r.q.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to look up parallel execution state")
	}
	return st, nil
}

// UpdateState rewrites the state's progress columns.
func (r *ParallelRepository) UpdateState(ctx context.Context, st *ParallelExecutionState) error {
	query := `
		UPDATE parallel_execution_states
		SET completed_steps = $2,
		    step_status     = $3,
		    completed_at    = $4
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, st.ID, st.CompletedSteps, st.StepStatus, st.CompletedAt).Scan(&returnedID)
	return notFoundOr(err, "parallel_execution", st.ID)
}

// CompleteState flips the state pending→completed and reports whether this
// call performed the flip. The WHERE clause is the compare-and-set: under
// concurrent branch completions exactly one caller sees true.
func (r *ParallelRepository) CompleteState(ctx context.Context, stateID string) (bool, error) {
	query := `
		UPDATE parallel_execution_states
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.q.Exec(ctx, query, stateID)
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to complete parallel execution state")
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteStatesForRequest removes every execution state of a request. Called
// when a replay (resubmit, send-back) clears the request's progress so its
// groups can activate again.
func (r *ParallelRepository) DeleteStatesForRequest(ctx context.Context, requestID string) error {
	query := `DELETE FROM parallel_execution_states WHERE request_id = $1`

	if _, err := r.q.Exec(ctx, query, requestID); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to delete parallel execution states")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const groupSelect = `
	SELECT id, workflow_id, entity_id, name, fork_step_id, join_step_id,
	       sync_type, required_approvals, created_at
	FROM parallel_step_groups
`

func scanGroup(row scanner) (*ParallelStepGroup, error) {
	g := &ParallelStepGroup{}
	err := row.Scan(
		&g.ID,
		&g.WorkflowID,
		&g.EntityID,
		&g.Name,
		&g.ForkStepID,
		&g.JoinStepID,
		&g.SyncType,
		&g.RequiredApprovals,
		&g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

const stateSelect = `
	SELECT id, request_id, group_id, status, total_steps, completed_steps,
	       step_status, started_at, completed_at
	FROM parallel_execution_states
`

func scanState(row scanner) (*ParallelExecutionState, error) {
	st := &ParallelExecutionState{}
	err := row.Scan(
		&st.ID,
		&st.RequestID,
		&st.GroupID,
		&st.Status,
		&st.TotalSteps,
		&st.CompletedSteps,
		&st.StepStatus,
		&st.StartedAt,
		&st.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}
