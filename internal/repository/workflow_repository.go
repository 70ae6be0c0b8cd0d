package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// WorkflowRepository persists workflow templates, their steps, and approver
// specs.
type WorkflowRepository struct {
	q Querier
}

// NewWorkflowRepository creates a WorkflowRepository over q.
func NewWorkflowRepository(q Querier) *WorkflowRepository {
	return &WorkflowRepository{q: q}
}

// Create inserts a workflow template.
func (r *WorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	query := `
		INSERT INTO approval_workflows
		    (id, entity_id, name, description, model_type, is_active, version, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		wf.ID,
		wf.EntityID,
		wf.Name,
		wf.Description,
		wf.ModelType,
		wf.IsActive,
		wf.Version,
		wf.Config,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create workflow")
	}
	return nil
}

// Get retrieves a workflow by entity and id.
func (r *WorkflowRepository) Get(ctx context.Context, entityID, id string) (*Workflow, error) {
	query := `
		SELECT id, entity_id, name, description, model_type,
		       is_active, version, config, created_at, updated_at
		FROM approval_workflows
		WHERE entity_id = $1 AND id = $2
	`

	wf, err := scanWorkflow(r.q.QueryRow(ctx, query, entityID, id))
	if err != nil {
		return nil, notFoundOr(err, "workflow", id)
	}
	return wf, nil
}

// Update rewrites the workflow's mutable columns.
func (r *WorkflowRepository) Update(ctx context.Context, wf *Workflow) error {
	query := `
		UPDATE approval_workflows
		SET name        = $2,
		    description = $3,
		    is_active   = $4,
		    version     = $5,
		    config      = $6,
		    updated_at  = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query,
		wf.ID,
		wf.Name,
		wf.Description,
		wf.IsActive,
		wf.Version,
		wf.Config,
	).Scan(&wf.UpdatedAt)
	return notFoundOr(err, "workflow", wf.ID)
}

// SoftDelete marks a workflow inactive. Running requests keep their bound
// version snapshot.
func (r *WorkflowRepository) SoftDelete(ctx context.Context, entityID, id string) error {
	query := `
		UPDATE approval_workflows
		SET is_active = FALSE, updated_at = NOW()
		WHERE entity_id = $1 AND id = $2
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, entityID, id).Scan(&returnedID)
	return notFoundOr(err, "workflow", id)
}

// InsertStep inserts a step and its approver specs.
func (r *WorkflowRepository) InsertStep(ctx context.Context, step *ApprovalStep, approvers []ApproverSpec) error {
	stepQuery := `
		INSERT INTO approval_steps
		    (id, workflow_id, entity_id, name, sequence,
		     approval_type, execution_type, parallel_group_id, sla_hours,
		     escalation_strategy, allows_delegation, allows_partial_approval,
		     min_approval_percent)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, stepQuery,
		step.ID,
		step.WorkflowID,
		step.EntityID,
		step.Name,
		step.Sequence,
		step.ApprovalType,
		step.ExecutionType,
		step.ParallelGroupID,
		step.SLAHours,
		step.EscalationStrategy,
		step.AllowsDelegation,
		step.AllowsPartialApproval,
		step.MinApprovalPercent,
	).Scan(&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("a step with this sequence already exists")
		}
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to insert step")
	}

	specQuery := `
		INSERT INTO step_approvers (id, step_id, kind, subject_id, weight)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	for i := range approvers {
		spec := &approvers[i]
		spec.StepID = step.ID
		err := r.q.QueryRow(ctx, specQuery,
			spec.ID,
			spec.StepID,
			spec.Kind,
			spec.SubjectID,
			spec.Weight,
		).Scan(&spec.CreatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to insert approver spec")
		}
	}
	return nil
}

// DeleteStep removes a step; approver specs cascade.
func (r *WorkflowRepository) DeleteStep(ctx context.Context, workflowID, stepID string) error {
	query := `
		DELETE FROM approval_steps
		WHERE workflow_id = $1 AND id = $2
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, workflowID, stepID).Scan(&returnedID)
	return notFoundOr(err, "step", stepID)
}

// ListSteps returns a workflow's steps with their approver specs, ordered by
// sequence.
func (r *WorkflowRepository) ListSteps(ctx context.Context, workflowID string) ([]StepWithApprovers, error) {
	stepQuery := `
		SELECT id, workflow_id, entity_id, name, sequence,
		       approval_type, execution_type, parallel_group_id, sla_hours,
		       escalation_strategy, allows_delegation, allows_partial_approval,
		       min_approval_percent, created_at, updated_at
		FROM approval_steps
		WHERE workflow_id = $1
		ORDER BY sequence
	`

	rows, err := r.q.Query(ctx, stepQuery, workflowID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list steps")
	}
	defer rows.Close()

	var result []StepWithApprovers
	byStep := make(map[string]int)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		byStep[step.ID] = len(result)
		result = append(result, StepWithApprovers{Step: *step})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list steps")
	}
	if len(result) == 0 {
		return nil, nil
	}

	specQuery := `
		SELECT a.id, a.step_id, a.kind, a.subject_id, a.weight, a.created_at
		FROM step_approvers a
		JOIN approval_steps s ON s.id = a.step_id
		WHERE s.workflow_id = $1
		ORDER BY a.created_at
	`

	specRows, err := r.q.Query(ctx, specQuery, workflowID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list approver specs")
	}
	defer specRows.Close()

	for specRows.Next() {
		var spec ApproverSpec
		err := specRows.Scan(&spec.ID, &spec.StepID, &spec.Kind, &spec.SubjectID, &spec.Weight, &spec.CreatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan approver spec")
		}
		if idx, ok := byStep[spec.StepID]; ok {
			result[idx].Approvers = append(result[idx].Approvers, spec)
		}
	}
	if err := specRows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list approver specs")
	}
	return result, nil
}

// RenumberSteps applies a full stepID→sequence mapping. Sequences move through
// their negatives first so the (workflow_id, sequence) unique constraint never
// sees a transient collision mid-update.
func (r *WorkflowRepository) RenumberSteps(ctx context.Context, workflowID string, order map[string]int) error {
	parkQuery := `
		UPDATE approval_steps
		SET sequence = $3, updated_at = NOW()
		WHERE workflow_id = $1 AND id = $2
		RETURNING id
	`

	for stepID, seq := range order {
		var returnedID string
		err := r.q.QueryRow(ctx, parkQuery, workflowID, stepID, -seq).Scan(&returnedID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("step", stepID)
		}
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to renumber step")
		}
	}

	flipQuery := `
		UPDATE approval_steps
		SET sequence = -sequence
		WHERE workflow_id = $1 AND sequence < 0
	`

	if _, err := r.q.Exec(ctx, flipQuery, workflowID); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to renumber steps")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanWorkflow(row scanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.EntityID,
		&wf.Name,
		&wf.Description,
		&wf.ModelType,
		&wf.IsActive,
		&wf.Version,
		&wf.Config,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func scanStep(row scanner) (*ApprovalStep, error) {
	step := &ApprovalStep{}
	err := row.Scan(
		&step.ID,
		&step.WorkflowID,
		&step.EntityID,
		&step.Name,
		&step.Sequence,
		&step.ApprovalType,
		&step.ExecutionType,
		&step.ParallelGroupID,
		&step.SLAHours,
		&step.EscalationStrategy,
		&step.AllowsDelegation,
		&step.AllowsPartialApproval,
		&step.MinApprovalPercent,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan step")
	}
	return step, nil
}
