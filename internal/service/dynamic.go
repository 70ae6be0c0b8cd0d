package service

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/events"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// DynamicWorkflowManager mutates in-flight requests (add/remove/skip steps,
// reassign approvers) under the workflow's modification rules, and manages
// workflow version snapshots with rollback.
//
// Per-request changes never touch the shared template: they are recorded as
// immutable deltas and overlaid on the bound version snapshot when computing
// the request's effective steps.
type DynamicWorkflowManager struct {
	db        DB
	evaluator *ConditionEvaluator
	sink      events.Sink
	log       zerolog.Logger
}

// NewDynamicWorkflowManager creates a DynamicWorkflowManager.
func NewDynamicWorkflowManager(db DB, evaluator *ConditionEvaluator, sink events.Sink, log zerolog.Logger) *DynamicWorkflowManager {
	return &DynamicWorkflowManager{db: db, evaluator: evaluator, sink: sink, log: log}
}

// ── Effective steps ───────────────────────────────────────────────────────────

// EffectiveSteps returns the request's step sequence: the bound version
// snapshot with the request's deltas and approver assignments applied, ordered
// by sequence. Skipped and removed steps are excluded from routing.
func (m *DynamicWorkflowManager) EffectiveSteps(ctx context.Context, s Stores, req *repository.ApprovalRequest) ([]repository.StepWithApprovers, error) {
	version, err := s.Versions().Get(ctx, req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	steps := make([]repository.StepWithApprovers, len(version.Snapshot.Steps))
	copy(steps, version.Snapshot.Steps)

	mods, err := s.Dynamic().ListModifications(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	for _, mod := range mods {
		switch mod.Kind {
		case repository.ModStepAdded:
			if mod.AddedStep != nil {
				steps = append(steps, *mod.AddedStep)
			}
		case repository.ModStepRemoved, repository.ModStepSkipped:
			if mod.StepID == nil {
				continue
			}
			for i, sw := range steps {
				if sw.Step.ID == *mod.StepID {
					steps = append(steps[:i], steps[i+1:]...)
					break
				}
			}
		}
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Step.Sequence < steps[j].Step.Sequence })

	assignments, err := s.Dynamic().ListAssignments(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if len(assignments) > 0 {
		for i := range steps {
			steps[i].Approvers = applyAssignments(steps[i].Step.ID, steps[i].Approvers, assignments)
		}
	}

	return steps, nil
}

// applyAssignments overlays request-scoped approver changes onto a step's
// spec list.
func applyAssignments(stepID string, specs []repository.ApproverSpec, assignments []*repository.DynamicApproverAssignment) []repository.ApproverSpec {
	out := make([]repository.ApproverSpec, len(specs))
	copy(out, specs)

	for _, a := range assignments {
		if a.StepID != stepID {
			continue
		}
		synthetic := repository.ApproverSpec{
			ID:        a.ID,
			StepID:    stepID,
			Kind:      a.Kind,
			SubjectID: a.SubjectID,
			Weight:    a.Weight,
			CreatedAt: a.CreatedAt,
		}
		if a.ReplacesSpecID != nil {
			for i := range out {
				if out[i].ID == *a.ReplacesSpecID {
					out[i] = synthetic
					break
				}
			}
			continue
		}
		out = append(out, synthetic)
	}
	return out
}

// ── Request-scoped modifications ──────────────────────────────────────────────

// AddStepInput describes a step inserted into one request's sequence.
type AddStepInput struct {
	RequestID string
	Step      repository.StepWithApprovers
	Reason    *string
	ActorID   string
}

// AddStepToRequest inserts a step into a request's effective sequence.
func (m *DynamicWorkflowManager) AddStepToRequest(ctx context.Context, in AddStepInput) error {
	if in.Step.Step.Name == "" {
		return apperr.InvalidInput("step.name", "step name is required")
	}
	if len(in.Step.Approvers) == 0 {
		return apperr.InvalidInput("step.approvers", "an added step needs at least one approver")
	}

	return m.mutateRequest(ctx, in.RequestID, repository.RuleAllowStepAddition, in.ActorID, func(s Stores, req *repository.ApprovalRequest) (repository.ActionType, *string, error) {
		step := in.Step
		if step.Step.ID == "" {
			step.Step.ID = uuid.NewString()
		}
		step.Step.WorkflowID = req.WorkflowID
		step.Step.EntityID = req.EntityID
		for i := range step.Approvers {
			if step.Approvers[i].ID == "" {
				step.Approvers[i].ID = uuid.NewString()
			}
			step.Approvers[i].StepID = step.Step.ID
			if step.Approvers[i].Weight == 0 {
				step.Approvers[i].Weight = 100
			}
		}

		mod := &repository.DynamicStepModification{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			EntityID:  req.EntityID,
			Kind:      repository.ModStepAdded,
			AddedStep: &step,
			Reason:    in.Reason,
			CreatedBy: in.ActorID,
		}
		if err := s.Dynamic().AppendModification(ctx, mod); err != nil {
			return "", nil, err
		}
		return repository.ActionStepAdded, &step.Step.ID, nil
	})
}

// RemoveStepFromRequest removes a not-yet-reached step from a request's
// effective sequence.
func (m *DynamicWorkflowManager) RemoveStepFromRequest(ctx context.Context, requestID, stepID string, reason *string, actorID string) error {
	return m.mutateRequest(ctx, requestID, repository.RuleAllowStepRemoval, actorID, func(s Stores, req *repository.ApprovalRequest) (repository.ActionType, *string, error) {
		if err := m.assertStepUntouched(ctx, s, req, stepID); err != nil {
			return "", nil, err
		}
		mod := &repository.DynamicStepModification{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			EntityID:  req.EntityID,
			Kind:      repository.ModStepRemoved,
			StepID:    &stepID,
			Reason:    reason,
			CreatedBy: actorID,
		}
		if err := s.Dynamic().AppendModification(ctx, mod); err != nil {
			return "", nil, err
		}
		return repository.ActionStepRemoved, &stepID, nil
	})
}

// SkipStep marks a not-yet-reached step as skipped for this request.
func (m *DynamicWorkflowManager) SkipStep(ctx context.Context, requestID, stepID string, reason *string, actorID string) error {
	return m.mutateRequest(ctx, requestID, repository.RuleAllowStepRemoval, actorID, func(s Stores, req *repository.ApprovalRequest) (repository.ActionType, *string, error) {
		if err := m.assertStepUntouched(ctx, s, req, stepID); err != nil {
			return "", nil, err
		}
		mod := &repository.DynamicStepModification{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			EntityID:  req.EntityID,
			Kind:      repository.ModStepSkipped,
			StepID:    &stepID,
			Reason:    reason,
			CreatedBy: actorID,
		}
		if err := s.Dynamic().AppendModification(ctx, mod); err != nil {
			return "", nil, err
		}
		return repository.ActionStepSkipped, &stepID, nil
	})
}

// AssignApproverInput replaces or adds an approver on one request's step.
type AssignApproverInput struct {
	RequestID      string
	StepID         string
	ReplacesSpecID *string
	Kind           repository.ApproverKind
	SubjectID      *string
	Weight         int
	Reason         *string
	ActorID        string
}

// AssignDynamicApprover records a request-scoped approver change.
func (m *DynamicWorkflowManager) AssignDynamicApprover(ctx context.Context, in AssignApproverInput) error {
	if in.Kind == "" {
		return apperr.InvalidInput("kind", "approver kind is required")
	}
	if in.Weight <= 0 {
		in.Weight = 100
	}

	return m.mutateRequest(ctx, in.RequestID, repository.RuleAllowApproverChange, in.ActorID, func(s Stores, req *repository.ApprovalRequest) (repository.ActionType, *string, error) {
		a := &repository.DynamicApproverAssignment{
			ID:             uuid.NewString(),
			RequestID:      req.ID,
			EntityID:       req.EntityID,
			StepID:         in.StepID,
			ReplacesSpecID: in.ReplacesSpecID,
			Kind:           in.Kind,
			SubjectID:      in.SubjectID,
			Weight:         in.Weight,
			Reason:         in.Reason,
			CreatedBy:      in.ActorID,
		}
		if err := s.Dynamic().AppendAssignment(ctx, a); err != nil {
			return "", nil, err
		}
		return repository.ActionReassigned, &in.StepID, nil
	})
}

// mutateRequest wraps a request-scoped modification: row lock, live-status
// check, rule validation, delta append, audit action, event.
func (m *DynamicWorkflowManager) mutateRequest(
	ctx context.Context,
	requestID string,
	ruleType repository.ModificationRuleType,
	actorID string,
	fn func(s Stores, req *repository.ApprovalRequest) (repository.ActionType, *string, error),
) error {
	var ev *events.Event

	err := m.db.InTx(ctx, func(s Stores) error {
		req, err := s.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return apperr.Conflict("request is in a terminal status")
		}
		if err := m.checkRules(ctx, s, req, ruleType); err != nil {
			return err
		}

		action, stepID, err := fn(s, req)
		if err != nil {
			return err
		}

		if err := s.Actions().Append(ctx, &repository.ApprovalAction{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			StepID:      stepID,
			EntityID:    req.EntityID,
			Action:      action,
			PerformedBy: actorID,
		}); err != nil {
			return err
		}

		ev = &events.Event{
			Type:       events.TypeRequestUpdated,
			EntityID:   req.EntityID,
			ActorID:    actorID,
			RequestID:  req.ID,
			WorkflowID: req.WorkflowID,
			Action:     string(action),
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.sink.Publish(ctx, ev)
	return nil
}

// checkRules requires an active rule of the given type whose conditions (if
// any) match the request's data snapshot. No matching rule denies the change.
func (m *DynamicWorkflowManager) checkRules(ctx context.Context, s Stores, req *repository.ApprovalRequest, ruleType repository.ModificationRuleType) error {
	rules, err := s.Dynamic().ListRules(ctx, req.WorkflowID, ruleType)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		if len(rule.Clauses) == 0 {
			return nil
		}
		cond := &repository.WorkflowCondition{
			ID:      rule.ID,
			LogicOp: rule.LogicOp,
			Clauses: rule.Clauses,
		}
		if m.evaluator.EvaluateCondition(cond, req.DataSnapshot) {
			return nil
		}
	}
	return apperr.Newf(apperr.ErrCodeInvalidInput, "workflow does not permit %s for this request", ruleType)
}

// assertStepUntouched refuses modifications to the current step or any step
// that already has recorded votes.
func (m *DynamicWorkflowManager) assertStepUntouched(ctx context.Context, s Stores, req *repository.ApprovalRequest, stepID string) error {
	if req.CurrentStepID != nil && *req.CurrentStepID == stepID {
		return apperr.Conflict("cannot remove or skip the current step")
	}
	votes, err := s.Requests().ListVotes(ctx, req.ID, stepID)
	if err != nil {
		return err
	}
	if len(votes) > 0 {
		return apperr.Conflict("cannot remove or skip a step with recorded approvals")
	}
	return nil
}

// ── Template structure and versions ───────────────────────────────────────────

// AddTemplateStep appends a step to the workflow template and snapshots a new
// active version.
func (m *DynamicWorkflowManager) AddTemplateStep(ctx context.Context, entityID, workflowID string, step repository.ApprovalStep, approvers []repository.ApproverSpec, actorID string) error {
	return m.mutateTemplate(ctx, entityID, workflowID, repository.VersionStepAdded, actorID, func(s Stores, wf *repository.Workflow) error {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.WorkflowID = wf.ID
		step.EntityID = wf.EntityID
		for i := range approvers {
			if approvers[i].ID == "" {
				approvers[i].ID = uuid.NewString()
			}
			approvers[i].StepID = step.ID
			if approvers[i].Weight == 0 {
				approvers[i].Weight = 100
			}
		}
		return s.Workflows().InsertStep(ctx, &step, approvers)
	})
}

// RemoveTemplateStep deletes a step from the template and snapshots a new
// active version.
func (m *DynamicWorkflowManager) RemoveTemplateStep(ctx context.Context, entityID, workflowID, stepID, actorID string) error {
	return m.mutateTemplate(ctx, entityID, workflowID, repository.VersionStepRemoved, actorID, func(s Stores, wf *repository.Workflow) error {
		return s.Workflows().DeleteStep(ctx, wf.ID, stepID)
	})
}

// ReorderSteps applies a full stepID→sequence mapping and snapshots a new
// active version. Renumbering is atomic and two-pass underneath to keep the
// (workflow_id, sequence) uniqueness invariant.
func (m *DynamicWorkflowManager) ReorderSteps(ctx context.Context, entityID, workflowID string, order map[string]int, actorID string) error {
	seen := make(map[int]struct{}, len(order))
	for stepID, seq := range order {
		if seq < 1 {
			return apperr.InvalidInput("sequence", "sequence numbers start at 1")
		}
		if _, dup := seen[seq]; dup {
			return apperr.Newf(apperr.ErrCodeInvalidInput, "duplicate sequence %d for step %s", seq, stepID)
		}
		seen[seq] = struct{}{}
	}

	return m.mutateTemplate(ctx, entityID, workflowID, repository.VersionStepsReordered, actorID, func(s Stores, wf *repository.Workflow) error {
		return s.Workflows().RenumberSteps(ctx, wf.ID, order)
	})
}

// GetVersionHistory returns all version snapshots, newest first.
func (m *DynamicWorkflowManager) GetVersionHistory(ctx context.Context, workflowID string) ([]*repository.WorkflowVersion, error) {
	return m.db.Stores().Versions().History(ctx, workflowID)
}

// RollbackToVersion restores the template's steps from the snapshot stored at
// version and records a new version entry. History never shrinks.
func (m *DynamicWorkflowManager) RollbackToVersion(ctx context.Context, entityID, workflowID string, version int, actorID string) error {
	return m.mutateTemplate(ctx, entityID, workflowID, repository.VersionRollback, actorID, func(s Stores, wf *repository.Workflow) error {
		target, err := s.Versions().Get(ctx, workflowID, version)
		if err != nil {
			return err
		}

		current, err := s.Workflows().ListSteps(ctx, wf.ID)
		if err != nil {
			return err
		}
		for _, sw := range current {
			if err := s.Workflows().DeleteStep(ctx, wf.ID, sw.Step.ID); err != nil {
				return err
			}
		}
		for _, sw := range target.Snapshot.Steps {
			step := sw.Step
			if err := s.Workflows().InsertStep(ctx, &step, sw.Approvers); err != nil {
				return err
			}
		}
		return nil
	})
}

// mutateTemplate wraps a structural template change: apply, snapshot, bump
// version, publish workflow_updated.
func (m *DynamicWorkflowManager) mutateTemplate(
	ctx context.Context,
	entityID, workflowID string,
	changeType repository.VersionChangeType,
	actorID string,
	fn func(s Stores, wf *repository.Workflow) error,
) error {
	var ev *events.Event

	err := m.db.InTx(ctx, func(s Stores) error {
		wf, err := s.Workflows().Get(ctx, entityID, workflowID)
		if err != nil {
			return err
		}

		if err := fn(s, wf); err != nil {
			return err
		}

		steps, err := s.Workflows().ListSteps(ctx, wf.ID)
		if err != nil {
			return err
		}

		next, err := m.nextVersionNumber(ctx, s, wf.ID)
		if err != nil {
			return err
		}
		wf.Version = next
		if err := s.Workflows().Update(ctx, wf); err != nil {
			return err
		}

		if err := s.Versions().Append(ctx, &repository.WorkflowVersion{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			EntityID:   wf.EntityID,
			Version:    next,
			ChangeType: changeType,
			IsActive:   true,
			Snapshot:   repository.WorkflowSnapshot{Workflow: *wf, Steps: steps},
			CreatedBy:  actorID,
		}); err != nil {
			return err
		}

		ev = &events.Event{
			Type:       events.TypeWorkflowUpdated,
			EntityID:   wf.EntityID,
			ActorID:    actorID,
			WorkflowID: wf.ID,
			Action:     string(changeType),
			Payload:    map[string]any{"version": next},
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.sink.Publish(ctx, ev)
	return nil
}

func (m *DynamicWorkflowManager) nextVersionNumber(ctx context.Context, s Stores, workflowID string) (int, error) {
	history, err := s.Versions().History(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, v := range history {
		if v.Version > max {
			max = v.Version
		}
	}
	return max + 1, nil
}
