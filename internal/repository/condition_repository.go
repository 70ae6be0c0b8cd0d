package repository

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// ConditionRepository persists routing conditions. Clauses live in a JSONB
// column; evaluation happens in the service layer, never in SQL.
type ConditionRepository struct {
	q Querier
}

// NewConditionRepository creates a ConditionRepository over q.
func NewConditionRepository(q Querier) *ConditionRepository {
	return &ConditionRepository{q: q}
}

// Create inserts a condition.
func (r *ConditionRepository) Create(ctx context.Context, c *WorkflowCondition) error {
	query := `
		INSERT INTO workflow_conditions
		    (id, workflow_id, entity_id, from_step_id, to_step_id,
		     priority, logic_op, clauses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		c.ID,
		c.WorkflowID,
		c.EntityID,
		c.FromStepID,
		c.ToStepID,
		c.Priority,
		c.LogicOp,
		c.Clauses,
	).Scan(&c.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create condition")
	}
	return nil
}

// ListFrom returns conditions leaving fromStepID ordered by descending
// priority. A nil fromStepID selects the submission-routing conditions.
func (r *ConditionRepository) ListFrom(ctx context.Context, workflowID string, fromStepID *string) ([]*WorkflowCondition, error) {
	query := conditionSelect + `
		WHERE workflow_id = $1
		  AND from_step_id IS NOT DISTINCT FROM $2
		ORDER BY priority DESC, created_at
	`
	return r.list(ctx, query, workflowID, fromStepID)
}

// ListByWorkflow returns all conditions of a workflow.
func (r *ConditionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*WorkflowCondition, error) {
	query := conditionSelect + `
		WHERE workflow_id = $1
		ORDER BY priority DESC, created_at
	`
	return r.list(ctx, query, workflowID)
}

func (r *ConditionRepository) list(ctx context.Context, query string, args ...any) ([]*WorkflowCondition, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list conditions")
	}
	defer rows.Close()

	var result []*WorkflowCondition
	for rows.Next() {
		c := &WorkflowCondition{}
		err := rows.Scan(&c.ID, &c.WorkflowID, &c.EntityID, &c.FromStepID, &c.ToStepID,
			&c.Priority, &c.LogicOp, &c.Clauses, &c.CreatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan condition")
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list conditions")
	}
	return result, nil
}

const conditionSelect = `
	SELECT id, workflow_id, entity_id, from_step_id, to_step_id,
	       priority, logic_op, clauses, created_at
	FROM workflow_conditions
`
