package repository

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// DynamicRepository persists modification rules and request-scoped deltas.
// Deltas are append-only; the template tables are never touched here.
type DynamicRepository struct {
	q Querier
}

// NewDynamicRepository creates a DynamicRepository over q.
func NewDynamicRepository(q Querier) *DynamicRepository {
	return &DynamicRepository{q: q}
}

// CreateRule inserts a modification rule.
func (r *DynamicRepository) CreateRule(ctx context.Context, rule *WorkflowModificationRule) error {
	query := `
		INSERT INTO workflow_modification_rules
		    (id, workflow_id, entity_id, rule_type, is_active,
		     logic_op, clauses, requires_approval, restrictions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		rule.ID,
		rule.WorkflowID,
		rule.EntityID,
		rule.RuleType,
		rule.IsActive,
		rule.LogicOp,
		rule.Clauses,
		rule.RequiresApproval,
		rule.Restrictions,
	).Scan(&rule.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create modification rule")
	}
	return nil
}

// ListRules returns a workflow's rules of one type.
func (r *DynamicRepository) ListRules(ctx context.Context, workflowID string, ruleType ModificationRuleType) ([]*WorkflowModificationRule, error) {
	query := `
		SELECT id, workflow_id, entity_id, rule_type, is_active,
		       logic_op, clauses, requires_approval, restrictions, created_at
		FROM workflow_modification_rules
		WHERE workflow_id = $1 AND rule_type = $2
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, workflowID, ruleType)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list modification rules")
	}
	defer rows.Close()

	var result []*WorkflowModificationRule
	for rows.Next() {
		rule := &WorkflowModificationRule{}
		err := rows.Scan(&rule.ID, &rule.WorkflowID, &rule.EntityID, &rule.RuleType, &rule.IsActive,
			&rule.LogicOp, &rule.Clauses, &rule.RequiresApproval, &rule.Restrictions, &rule.CreatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan modification rule")
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list modification rules")
	}
	return result, nil
}

// AppendModification inserts a request-scoped step delta.
func (r *DynamicRepository) AppendModification(ctx context.Context, m *DynamicStepModification) error {
	query := `
		INSERT INTO dynamic_step_modifications
		    (id, request_id, entity_id, kind, step_id, added_step, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		m.ID,
		m.RequestID,
		m.EntityID,
		m.Kind,
		m.StepID,
		m.AddedStep,
		m.Reason,
		m.CreatedBy,
	).Scan(&m.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to append step modification")
	}
	return nil
}

// ListModifications returns a request's step deltas in application order.
func (r *DynamicRepository) ListModifications(ctx context.Context, requestID string) ([]*DynamicStepModification, error) {
	query := `
		SELECT id, request_id, entity_id, kind, step_id, added_step,
		       reason, created_by, created_at
		FROM dynamic_step_modifications
		WHERE request_id = $1
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list step modifications")
	}
	defer rows.Close()

	var result []*DynamicStepModification
	for rows.Next() {
		m := &DynamicStepModification{}
		err := rows.Scan(&m.ID, &m.RequestID, &m.EntityID, &m.Kind, &m.StepID, &m.AddedStep,
			&m.Reason, &m.CreatedBy, &m.CreatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan step modification")
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list step modifications")
	}
	return result, nil
}

// AppendAssignment inserts a request-scoped approver assignment.
func (r *DynamicRepository) AppendAssignment(ctx context.Context, a *DynamicApproverAssignment) error {
	query := `
		INSERT INTO dynamic_approver_assignments
		    (id, request_id, entity_id, step_id, replaces_spec_id,
		     kind, subject_id, weight, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		a.ID,
		a.RequestID,
		a.EntityID,
		a.StepID,
		a.ReplacesSpecID,
		a.Kind,
		a.SubjectID,
		a.Weight,
		a.Reason,
		a.CreatedBy,
	).Scan(&a.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to append approver assignment")
	}
	return nil
}

// ListAssignments returns a request's approver assignments in application
// order.
func (r *DynamicRepository) ListAssignments(ctx context.Context, requestID string) ([]*DynamicApproverAssignment, error) {
	query := `
		SELECT id, request_id, entity_id, step_id, replaces_spec_id,
		       kind, subject_id, weight, reason, created_by, created_at
		FROM dynamic_approver_assignments
		WHERE request_id = $1
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list approver assignments")
	}
	defer rows.Close()

	var result []*DynamicApproverAssignment
	for rows.Next() {
		a := &DynamicApproverAssignment{}
		err := rows.Scan(&a.ID, &a.RequestID, &a.EntityID, &a.StepID, &a.ReplacesSpecID,
			&a.Kind, &a.SubjectID, &a.Weight, &a.Reason, &a.CreatedBy, &a.CreatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan approver assignment")
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list approver assignments")
	}
	return result, nil
}
