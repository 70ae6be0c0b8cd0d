package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// ParallelCoordinator manages fork/join groups: activating a group's steps
// concurrently for a request, tracking per-step completion, and deciding when
// the group joins. The join fires exactly once per request per group; the
// execution-state pending→completed transition is the compare-and-set guard.
type ParallelCoordinator struct {
	log zerolog.Logger
}

// NewParallelCoordinator creates a ParallelCoordinator.
func NewParallelCoordinator(log zerolog.Logger) *ParallelCoordinator {
	return &ParallelCoordinator{log: log}
}

// SyncConditionMet evaluates a group's synchronization policy. Pure and
// idempotent: the same counts always yield the same answer.
func (p *ParallelCoordinator) SyncConditionMet(completed, total int, sync repository.SyncType, requiredCount int) bool {
	if total <= 0 {
		return false
	}
	switch sync {
	case repository.SyncAll:
		return completed >= total
	case repository.SyncAny:
		return completed >= 1
	case repository.SyncMajority:
		return completed > total/2
	case repository.SyncCustom:
		return requiredCount > 0 && completed >= requiredCount
	}
	return false
}

// CreateGroup validates and stores a parallel group definition.
func (p *ParallelCoordinator) CreateGroup(ctx context.Context, s Stores, g *repository.ParallelStepGroup) error {
	if g.ForkStepID == "" || g.JoinStepID == "" {
		return apperr.InvalidInput("group", "fork and join steps are required")
	}
	if g.ForkStepID == g.JoinStepID {
		return apperr.InvalidInput("group", "fork and join steps must differ")
	}
	if g.SyncType == repository.SyncCustom && g.RequiredApprovals <= 0 {
		return apperr.InvalidInput("required_approvals", "custom sync requires a positive count")
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return s.Parallel().CreateGroup(ctx, g)
}

// ActivateForRequest starts a group for a request: every member step becomes
// concurrently active. memberStepIDs are the group's steps under the request's
// effective step overlay.
func (p *ParallelCoordinator) ActivateForRequest(
	ctx context.Context,
	s Stores,
	req *repository.ApprovalRequest,
	group *repository.ParallelStepGroup,
	memberStepIDs []string,
) (*repository.ParallelExecutionState, error) {
	if len(memberStepIDs) == 0 {
		return nil, apperr.Conflict("parallel group has no member steps for this request")
	}

	stepStatus := make(map[string]string, len(memberStepIDs))
	for _, id := range memberStepIDs {
		stepStatus[id] = "pending"
	}

	st := &repository.ParallelExecutionState{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		GroupID:    group.ID,
		Status:     "pending",
		TotalSteps: len(memberStepIDs),
		StepStatus: stepStatus,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.Parallel().CreateState(ctx, st); err != nil {
		return nil, err
	}

	p.log.Info().
		Str("request_id", req.ID).
		Str("group_id", group.ID).
		Int("steps", len(memberStepIDs)).
		Msg("parallel group activated")
	return st, nil
}

// RecordStepCompletion marks a member step completed and evaluates the sync
// policy. Returns joined=true for exactly the one call that flips the state to
// completed; that caller performs the join advance. Steps completing after the
// join are recorded as moot.
func (p *ParallelCoordinator) RecordStepCompletion(
	ctx context.Context,
	s Stores,
	req *repository.ApprovalRequest,
	group *repository.ParallelStepGroup,
	stepID string,
) (joined bool, err error) {
	st, err := s.Parallel().GetStateForUpdate(ctx, req.ID, group.ID)
	if err != nil {
		return false, err
	}

	if st.Status != "pending" {
		// Group already joined; this branch's outcome no longer affects routing.
		st.StepStatus[stepID] = "moot"
		return false, s.Parallel().UpdateState(ctx, st)
	}

	if st.StepStatus[stepID] != "completed" {
		st.StepStatus[stepID] = "completed"
		st.CompletedSteps++
	}

	if !p.SyncConditionMet(st.CompletedSteps, st.TotalSteps, group.SyncType, group.RequiredApprovals) {
		return false, s.Parallel().UpdateState(ctx, st)
	}

	// Mark branches that have not completed as moot; they stay visible in
	// history but no longer affect routing.
	for id, status := range st.StepStatus {
		if status == "pending" {
			st.StepStatus[id] = "moot"
		}
	}
	now := time.Now().UTC()
	st.CompletedAt = &now
	if err := s.Parallel().UpdateState(ctx, st); err != nil {
		return false, err
	}

	flipped, err := s.Parallel().CompleteState(ctx, st.ID)
	if err != nil {
		return false, err
	}
	if flipped {
		p.log.Info().
			Str("request_id", req.ID).
			Str("group_id", group.ID).
			Str("sync_type", string(group.SyncType)).
			Msg("parallel group joined")
	}
	return flipped, nil
}
