package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/events"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// WorkflowService manages workflow templates: creation with an initial version
// snapshot, routing conditions, modification rules, and soft deletion.
type WorkflowService struct {
	db      DB
	weights *WeightageCalculator
	sink    events.Sink
	log     zerolog.Logger
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(db DB, weights *WeightageCalculator, sink events.Sink, log zerolog.Logger) *WorkflowService {
	return &WorkflowService{db: db, weights: weights, sink: sink, log: log}
}

// CreateWorkflowInput describes a new template and its steps.
type CreateWorkflowInput struct {
	EntityID    string
	Name        string
	Description *string
	ModelType   string
	Config      map[string]any
	Steps       []repository.StepWithApprovers
	ActorID     string
}

// CreateWorkflow stores the template, its steps, and version 1 as the active
// snapshot.
func (w *WorkflowService) CreateWorkflow(ctx context.Context, in CreateWorkflowInput) (*repository.Workflow, error) {
	if in.Name == "" {
		return nil, apperr.InvalidInput("name", "workflow name is required")
	}
	if in.ModelType == "" {
		return nil, apperr.InvalidInput("model_type", "target record type is required")
	}
	if len(in.Steps) == 0 {
		return nil, apperr.InvalidInput("steps", "a workflow needs at least one step")
	}
	if err := validateSteps(in.Steps); err != nil {
		return nil, err
	}

	wf := &repository.Workflow{
		ID:          uuid.NewString(),
		EntityID:    in.EntityID,
		Name:        in.Name,
		Description: in.Description,
		ModelType:   in.ModelType,
		IsActive:    true,
		Version:     1,
		Config:      in.Config,
	}

	err := w.db.InTx(ctx, func(s Stores) error {
		if err := s.Workflows().Create(ctx, wf); err != nil {
			return err
		}

		snapshot := make([]repository.StepWithApprovers, 0, len(in.Steps))
		for _, sw := range in.Steps {
			step := sw.Step
			step.ID = uuid.NewString()
			step.WorkflowID = wf.ID
			step.EntityID = wf.EntityID
			if step.ApprovalType == "" {
				step.ApprovalType = repository.ApprovalTypeSerial
			}
			if step.ExecutionType == "" {
				step.ExecutionType = repository.ExecutionSequential
			}
			if step.MinApprovalPercent.IsZero() {
				step.MinApprovalPercent = hundred
			}

			approvers := make([]repository.ApproverSpec, len(sw.Approvers))
			copy(approvers, sw.Approvers)
			for i := range approvers {
				approvers[i].ID = uuid.NewString()
				approvers[i].StepID = step.ID
				if approvers[i].Weight == 0 {
					approvers[i].Weight = 100
				}
			}

			if err := s.Workflows().InsertStep(ctx, &step, approvers); err != nil {
				return err
			}
			snapshot = append(snapshot, repository.StepWithApprovers{Step: step, Approvers: approvers})
		}

		return s.Versions().Append(ctx, &repository.WorkflowVersion{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			EntityID:   wf.EntityID,
			Version:    1,
			ChangeType: repository.VersionCreated,
			IsActive:   true,
			Snapshot:   repository.WorkflowSnapshot{Workflow: *wf, Steps: snapshot},
			CreatedBy:  in.ActorID,
		})
	})
	if err != nil {
		return nil, err
	}

	w.sink.Publish(ctx, &events.Event{
		Type:       events.TypeWorkflowUpdated,
		EntityID:   wf.EntityID,
		ActorID:    in.ActorID,
		WorkflowID: wf.ID,
		Action:     string(repository.VersionCreated),
	})
	return wf, nil
}

// GetWorkflow returns a template by id.
func (w *WorkflowService) GetWorkflow(ctx context.Context, entityID, id string) (*repository.Workflow, error) {
	return w.db.Stores().Workflows().Get(ctx, entityID, id)
}

// Deactivate soft-deletes a template. Requests already bound to a version
// snapshot keep running; new submissions are refused.
func (w *WorkflowService) Deactivate(ctx context.Context, entityID, id, actorID string) error {
	if err := w.db.Stores().Workflows().SoftDelete(ctx, entityID, id); err != nil {
		return err
	}
	w.sink.Publish(ctx, &events.Event{
		Type:       events.TypeWorkflowUpdated,
		EntityID:   entityID,
		ActorID:    actorID,
		WorkflowID: id,
		Action:     "deactivated",
	})
	return nil
}

// AddCondition validates and stores a routing condition.
func (w *WorkflowService) AddCondition(ctx context.Context, cond *repository.WorkflowCondition) error {
	if cond.ToStepID == "" {
		return apperr.InvalidInput("to_step_id", "condition target step is required")
	}
	if len(cond.Clauses) == 0 {
		return apperr.InvalidInput("clauses", "a condition needs at least one clause")
	}
	for _, clause := range cond.Clauses {
		if err := validateClause(clause); err != nil {
			return err
		}
	}
	if cond.LogicOp == "" {
		cond.LogicOp = repository.LogicAnd
	}
	if cond.ID == "" {
		cond.ID = uuid.NewString()
	}
	return w.db.Stores().Conditions().Create(ctx, cond)
}

// AddModificationRule stores a dynamic-modification rule.
func (w *WorkflowService) AddModificationRule(ctx context.Context, rule *repository.WorkflowModificationRule) error {
	switch rule.RuleType {
	case repository.RuleAllowStepAddition, repository.RuleAllowStepRemoval,
		repository.RuleAllowApproverChange, repository.RuleAllowReordering:
	default:
		return apperr.Newf(apperr.ErrCodeInvalidInput, "unknown rule type %q", rule.RuleType)
	}
	for _, clause := range rule.Clauses {
		if err := validateClause(clause); err != nil {
			return err
		}
	}
	if rule.LogicOp == "" {
		rule.LogicOp = repository.LogicAnd
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.IsActive = true
	return w.db.Stores().Dynamic().CreateRule(ctx, rule)
}

// ValidateWeightage reports degenerate weight configurations for a workflow's
// current steps.
func (w *WorkflowService) ValidateWeightage(ctx context.Context, workflowID string) ([]string, error) {
	steps, err := w.db.Stores().Workflows().ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return w.weights.ValidateDistribution(steps), nil
}

// ── validation helpers ────────────────────────────────────────────────────────

func validateSteps(steps []repository.StepWithApprovers) error {
	seen := make(map[int]struct{}, len(steps))
	for _, sw := range steps {
		if sw.Step.Sequence < 1 {
			return apperr.InvalidInput("sequence", "sequence numbers start at 1")
		}
		if _, dup := seen[sw.Step.Sequence]; dup {
			return apperr.Newf(apperr.ErrCodeInvalidInput, "duplicate step sequence %d", sw.Step.Sequence)
		}
		seen[sw.Step.Sequence] = struct{}{}

		pct := sw.Step.MinApprovalPercent
		if pct.LessThan(decimal.Zero) || pct.GreaterThan(hundred) {
			return apperr.InvalidInput("min_approval_percent", "must be between 0 and 100")
		}
		if len(sw.Approvers) == 0 {
			return apperr.Newf(apperr.ErrCodeInvalidInput, "step %d has no approvers", sw.Step.Sequence)
		}
	}
	return nil
}

func validateClause(clause repository.ConditionClause) error {
	if clause.Field == "" {
		return apperr.InvalidInput("field", "clause field is required")
	}
	switch clause.Operator {
	case repository.OpEq, repository.OpNeq, repository.OpGt, repository.OpGte,
		repository.OpLt, repository.OpLte, repository.OpContains,
		repository.OpNotContains, repository.OpStartsWith, repository.OpEndsWith,
		repository.OpIsNull, repository.OpIsNotNull:
		return nil
	case repository.OpIn, repository.OpNotIn:
		if _, ok := clause.Value.([]any); !ok {
			return apperr.InvalidInput("value", "in/not_in requires an array value")
		}
		return nil
	case repository.OpBetween:
		bounds, ok := clause.Value.([]any)
		if !ok || len(bounds) != 2 {
			return apperr.InvalidInput("value", "between requires a 2-element array")
		}
		return nil
	}
	return apperr.Newf(apperr.ErrCodeInvalidInput, "unknown operator %q", clause.Operator)
}
