package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/events"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// ApprovalEngine is the top-level state machine. Every lifecycle action runs
// inside one transaction holding a row lock on the request, so weighing,
// completion checks and step advancement are exactly-once even under
// concurrent calls. Domain events are published only after commit.
type ApprovalEngine struct {
	db         DB
	records    RecordProvider
	resolver   *ApproverResolver
	delegation *DelegationManager
	conditions *ConditionEvaluator
	weights    *WeightageCalculator
	parallel   *ParallelCoordinator
	dynamic    *DynamicWorkflowManager
	sink       events.Sink
	log        zerolog.Logger
	maxRetries int
}

// NewApprovalEngine wires the engine.
func NewApprovalEngine(
	db DB,
	records RecordProvider,
	resolver *ApproverResolver,
	delegation *DelegationManager,
	conditions *ConditionEvaluator,
	weights *WeightageCalculator,
	parallel *ParallelCoordinator,
	dynamic *DynamicWorkflowManager,
	sink events.Sink,
	log zerolog.Logger,
	maxRetries int,
) *ApprovalEngine {
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &ApprovalEngine{
		db:         db,
		records:    records,
		resolver:   resolver,
		delegation: delegation,
		conditions: conditions,
		weights:    weights,
		parallel:   parallel,
		dynamic:    dynamic,
		sink:       sink,
		log:        log,
		maxRetries: maxRetries,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitInput starts a record through a workflow.
type SubmitInput struct {
	EntityID    string
	WorkflowID  string
	ModelType   string
	ModelID     string
	RequesterID string
	Metadata    map[string]any
}

// Submit creates a request bound to the workflow's active version, snapshots
// the record's data, routes the first applicable step and resolves its
// approvers.
func (e *ApprovalEngine) Submit(ctx context.Context, in SubmitInput) (*repository.ApprovalRequest, error) {
	if in.RequesterID == "" {
		return nil, apperr.InvalidInput("requester_id", "requester is required")
	}

	snapshot, err := e.records.Fetch(ctx, in.EntityID, in.ModelType, in.ModelID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to snapshot record data")
	}

	var req *repository.ApprovalRequest
	var evs []*events.Event

	err = e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			wf, err := s.Workflows().Get(ctx, in.EntityID, in.WorkflowID)
			if err != nil {
				return err
			}
			if !wf.IsActive {
				return apperr.Conflict("workflow is not active")
			}
			if wf.ModelType != in.ModelType {
				return apperr.Newf(apperr.ErrCodeInvalidInput, "workflow targets %q, not %q", wf.ModelType, in.ModelType)
			}

			version, err := s.Versions().Active(ctx, wf.ID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			req = &repository.ApprovalRequest{
				ID:              uuid.NewString(),
				EntityID:        in.EntityID,
				WorkflowID:      wf.ID,
				WorkflowVersion: version.Version,
				ModelType:       in.ModelType,
				ModelID:         in.ModelID,
				RequesterID:     in.RequesterID,
				Status:          repository.StatusSubmitted,
				DataSnapshot:    snapshot,
				ApprovalPercent: decimal.Zero,
				SubmittedAt:     &now,
				Metadata:        in.Metadata,
			}

			steps := sortedSteps(version.Snapshot.Steps)
			if len(steps) == 0 {
				return apperr.Conflict("workflow has no steps")
			}

			first, err := e.firstStep(ctx, s, req, steps)
			if err != nil {
				return err
			}
			if err := e.enterStep(ctx, s, req, *first, now, &evs); err != nil {
				return err
			}

			if err := s.Requests().Create(ctx, req); err != nil {
				return err
			}

			return e.recordAction(ctx, s, req, repository.ActionSubmitted, in.RequesterID, nil, nil, &evs)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

// firstStep routes the initial step: submission conditions first (from-step
// nil), else the lowest sequence.
func (e *ApprovalEngine) firstStep(ctx context.Context, s Stores, req *repository.ApprovalRequest, steps []repository.StepWithApprovers) (*repository.StepWithApprovers, error) {
	conds, err := s.Conditions().ListFrom(ctx, req.WorkflowID, nil)
	if err != nil {
		return nil, err
	}
	if target := e.conditions.NextStepID(conds, req.DataSnapshot); target != nil {
		if sw := findStep(steps, *target); sw != nil {
			return sw, nil
		}
		e.log.Warn().
			Str("workflow_id", req.WorkflowID).
			Str("to_step_id", *target).
			Msg("submission condition targets a step missing from this version; falling back to lowest sequence")
	}
	return &steps[0], nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// ActionInput carries the acting user and optional context for an action.
type ActionInput struct {
	RequestID string
	UserID    string
	Remarks   *string
	IPAddress *string
	Metadata  map[string]any
}

// Approve records one user's approval. Depending on the step's type and the
// weighted breakdown, it completes the step and advances the request: next
// serial step, conditional branch, parallel fork/join, or final approval.
func (e *ApprovalEngine) Approve(ctx context.Context, in ActionInput) (*repository.ApprovalRequest, error) {
	var req *repository.ApprovalRequest
	var evs []*events.Event

	err := e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			var err error
			req, err = e.lockAwaiting(ctx, s, in.RequestID)
			if err != nil {
				return err
			}

			effSteps, err := e.dynamic.EffectiveSteps(ctx, s, req)
			if err != nil {
				return err
			}
			step, specID, err := e.authorize(ctx, s, req, effSteps, in.UserID)
			if err != nil {
				return err
			}

			if err := e.castVote(ctx, s, req, step, specID, in.UserID, repository.VoteApproved); err != nil {
				return err
			}
			if req.Status == repository.StatusSubmitted {
				req.Status = repository.StatusInReview
			}

			votes, err := s.Requests().ListVotes(ctx, req.ID, step.Step.ID)
			if err != nil {
				return err
			}
			breakdown := e.weights.ApprovalBreakdown(step.Step, step.Approvers, votes)
			req.ApprovalPercent = breakdown.Percentage

			stepDone := breakdown.Met
			if step.Step.ApprovalType == repository.ApprovalTypeAnyOne {
				stepDone = true
			}

			if stepDone {
				if err := e.completeStep(ctx, s, req, effSteps, *step, &evs); err != nil {
					return err
				}
			}
			if err := s.Requests().Update(ctx, req); err != nil {
				return err
			}

			return e.recordAction(ctx, s, req, repository.ActionApproved, in.UserID, &step.Step.ID, in.Remarks, &evs)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// RejectInput carries a rejection; Reason is mandatory.
type RejectInput struct {
	RequestID string
	UserID    string
	Reason    string
	Remarks   *string
	IPAddress *string
}

// Reject records a rejection vote. On a step without partial approval the
// request fails immediately; with partial approval the rejecter's weight is
// removed from the achievable pool and the request fails only once the
// threshold can no longer be crossed.
func (e *ApprovalEngine) Reject(ctx context.Context, in RejectInput) (*repository.ApprovalRequest, error) {
	if in.Reason == "" {
		return nil, apperr.InvalidInput("reason", "rejection reason is required")
	}

	var req *repository.ApprovalRequest
	var evs []*events.Event

	err := e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			var err error
			req, err = e.lockAwaiting(ctx, s, in.RequestID)
			if err != nil {
				return err
			}

			effSteps, err := e.dynamic.EffectiveSteps(ctx, s, req)
			if err != nil {
				return err
			}
			step, specID, err := e.authorize(ctx, s, req, effSteps, in.UserID)
			if err != nil {
				return err
			}

			if err := e.castVote(ctx, s, req, step, specID, in.UserID, repository.VoteRejected); err != nil {
				return err
			}
			if req.Status == repository.StatusSubmitted {
				req.Status = repository.StatusInReview
			}

			votes, err := s.Requests().ListVotes(ctx, req.ID, step.Step.ID)
			if err != nil {
				return err
			}
			breakdown := e.weights.ApprovalBreakdown(step.Step, step.Approvers, votes)
			req.ApprovalPercent = breakdown.Percentage

			if breakdown.HardFailed || breakdown.Unreachable {
				now := time.Now().UTC()
				req.Status = repository.StatusRejected
				req.RejectedAt = &now
				req.RejectionReason = &in.Reason
				req.CurrentStepID = nil
				req.StepDueAt = nil
			}
			if err := s.Requests().Update(ctx, req); err != nil {
				return err
			}

			meta := map[string]any{"reason": in.Reason}
			return e.recordAction(ctx, s, req, repository.ActionRejected, in.UserID, &step.Step.ID, in.Remarks, &evs, meta)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

// ── Send back ─────────────────────────────────────────────────────────────────

// SendBackInput moves a request to an earlier step. TargetStepID nil means the
// previous sequence.
type SendBackInput struct {
	RequestID    string
	UserID       string
	TargetStepID *string
	Remarks      *string
}

// SendBack returns the request to a prior step, clearing recorded votes for
// that step and everything after it.
func (e *ApprovalEngine) SendBack(ctx context.Context, in SendBackInput) (*repository.ApprovalRequest, error) {
	var req *repository.ApprovalRequest
	var evs []*events.Event

	err := e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			var err error
			req, err = e.lockAwaiting(ctx, s, in.RequestID)
			if err != nil {
				return err
			}
			if req.CurrentStepID == nil {
				return apperr.Conflict("cannot send back while parallel steps are active")
			}

			effSteps, err := e.dynamic.EffectiveSteps(ctx, s, req)
			if err != nil {
				return err
			}
			current, _, err := e.authorize(ctx, s, req, effSteps, in.UserID)
			if err != nil {
				return err
			}

			target, err := e.sendBackTarget(effSteps, current, in.TargetStepID)
			if err != nil {
				return err
			}

			var clear []string
			for _, sw := range effSteps {
				if sw.Step.Sequence >= target.Step.Sequence {
					clear = append(clear, sw.Step.ID)
				}
			}
			if err := s.Requests().ClearVotes(ctx, req.ID, clear); err != nil {
				return err
			}
			// Replayed steps may fork again; stale execution states would
			// block re-activation.
			if err := s.Parallel().DeleteStatesForRequest(ctx, req.ID); err != nil {
				return err
			}

			now := time.Now().UTC()
			if err := e.enterStep(ctx, s, req, *target, now, &evs); err != nil {
				return err
			}
			req.Status = repository.StatusInReview
			if err := s.Requests().Update(ctx, req); err != nil {
				return err
			}

			return e.recordAction(ctx, s, req, repository.ActionSentBack, in.UserID, &target.Step.ID, in.Remarks, &evs)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

func (e *ApprovalEngine) sendBackTarget(steps []repository.StepWithApprovers, current *repository.StepWithApprovers, targetID *string) (*repository.StepWithApprovers, error) {
	if targetID != nil {
		target := findStep(steps, *targetID)
		if target == nil {
			return nil, apperr.NotFound("step", *targetID)
		}
		if target.Step.Sequence >= current.Step.Sequence {
			return nil, apperr.InvalidInput("target_step_id", "send-back target must be an earlier step")
		}
		return target, nil
	}

	var prev *repository.StepWithApprovers
	for i := range steps {
		if steps[i].Step.Sequence < current.Step.Sequence {
			if prev == nil || steps[i].Step.Sequence > prev.Step.Sequence {
				prev = &steps[i]
			}
		}
	}
	if prev == nil {
		return nil, apperr.Conflict("no earlier step to send back to")
	}
	return prev, nil
}

// ── Hold / Resume ─────────────────────────────────────────────────────────────

// Hold suspends the SLA clock and escalation without changing the current step
// or the status.
func (e *ApprovalEngine) Hold(ctx context.Context, in ActionInput) (*repository.ApprovalRequest, error) {
	return e.toggleHold(ctx, in, true)
}

// Resume clears the hold, shifting the step deadline by the held duration.
func (e *ApprovalEngine) Resume(ctx context.Context, in ActionInput) (*repository.ApprovalRequest, error) {
	return e.toggleHold(ctx, in, false)
}

func (e *ApprovalEngine) toggleHold(ctx context.Context, in ActionInput, hold bool) (*repository.ApprovalRequest, error) {
	var req *repository.ApprovalRequest
	var evs []*events.Event

	err := e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			var err error
			req, err = e.lockAwaiting(ctx, s, in.RequestID)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			action := repository.ActionHeld
			if hold {
				if req.OnHold {
					return apperr.Conflict("request is already on hold")
				}
				req.OnHold = true
				req.HeldAt = &now
			} else {
				if !req.OnHold {
					return apperr.Conflict("request is not on hold")
				}
				if req.StepDueAt != nil && req.HeldAt != nil {
					due := req.StepDueAt.Add(now.Sub(*req.HeldAt))
					req.StepDueAt = &due
				}
				req.OnHold = false
				req.HeldAt = nil
				action = repository.ActionResumed
			}
			if err := s.Requests().Update(ctx, req); err != nil {
				return err
			}
			return e.recordAction(ctx, s, req, action, in.UserID, req.CurrentStepID, in.Remarks, &evs)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

// ── Cancel / Resubmit / Archive ───────────────────────────────────────────────

// Cancel moves a non-terminal request to cancelled. Only the requester may
// cancel.
func (e *ApprovalEngine) Cancel(ctx context.Context, in ActionInput) (*repository.ApprovalRequest, error) {
	var req *repository.ApprovalRequest
	var evs []*events.Event

	err := e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			var err error
			req, err = s.Requests().GetForUpdate(ctx, in.RequestID)
			if err != nil {
				return err
			}
			if req.Status.Terminal() {
				return apperr.Conflict("request is already in a terminal status")
			}
			if req.RequesterID != in.UserID {
				return apperr.Unauthorized("only the requester can cancel the request")
			}

			req.Status = repository.StatusCancelled
			req.CurrentStepID = nil
			req.StepDueAt = nil
			if err := s.Requests().Update(ctx, req); err != nil {
				return err
			}
			return e.recordAction(ctx, s, req, repository.ActionCancelled, in.UserID, nil, in.Remarks, &evs)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

// Resubmit moves a rejected request back to submitted: rejection fields and
// votes are cleared, the record data is re-snapshotted and the first step is
// routed again.
func (e *ApprovalEngine) Resubmit(ctx context.Context, in ActionInput) (*repository.ApprovalRequest, error) {
	var req *repository.ApprovalRequest
	var evs []*events.Event

	err := e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			var err error
			req, err = s.Requests().GetForUpdate(ctx, in.RequestID)
			if err != nil {
				return err
			}
			if req.Status != repository.StatusRejected {
				return apperr.Conflict("only rejected requests can be resubmitted")
			}
			if req.RequesterID != in.UserID {
				return apperr.Unauthorized("only the requester can resubmit the request")
			}

			snapshot, err := e.records.Fetch(ctx, req.EntityID, req.ModelType, req.ModelID)
			if err != nil {
				return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to snapshot record data")
			}
			req.DataSnapshot = snapshot
			req.RejectedAt = nil
			req.RejectionReason = nil
			now := time.Now().UTC()
			req.SubmittedAt = &now
			req.Status = repository.StatusSubmitted

			effSteps, err := e.dynamic.EffectiveSteps(ctx, s, req)
			if err != nil {
				return err
			}
			if len(effSteps) == 0 {
				return apperr.Conflict("workflow has no steps")
			}
			var all []string
			for _, sw := range effSteps {
				all = append(all, sw.Step.ID)
			}
			if err := s.Requests().ClearVotes(ctx, req.ID, all); err != nil {
				return err
			}
			// The whole chain replays from the first step; execution states
			// from the previous run would block forks from activating.
			if err := s.Parallel().DeleteStatesForRequest(ctx, req.ID); err != nil {
				return err
			}

			first, err := e.firstStep(ctx, s, req, effSteps)
			if err != nil {
				return err
			}
			if err := e.enterStep(ctx, s, req, *first, now, &evs); err != nil {
				return err
			}
			if err := s.Requests().Update(ctx, req); err != nil {
				return err
			}
			return e.recordAction(ctx, s, req, repository.ActionResubmitted, in.UserID, nil, in.Remarks, &evs)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

// Archive moves a terminal request to archived. External housekeeping calls
// this; it is the only transition allowed out of a terminal status besides
// resubmit-from-rejected.
func (e *ApprovalEngine) Archive(ctx context.Context, in ActionInput) (*repository.ApprovalRequest, error) {
	var req *repository.ApprovalRequest
	var evs []*events.Event

	err := e.withRetry(ctx, func() error {
		evs = evs[:0]
		return e.db.InTx(ctx, func(s Stores) error {
			var err error
			req, err = s.Requests().GetForUpdate(ctx, in.RequestID)
			if err != nil {
				return err
			}
			if !req.Status.Terminal() || req.Status == repository.StatusArchived {
				return apperr.Conflict("only terminal requests can be archived")
			}
			req.Status = repository.StatusArchived
			if err := s.Requests().Update(ctx, req); err != nil {
				return err
			}
			return e.recordAction(ctx, s, req, repository.ActionArchived, in.UserID, nil, in.Remarks, &evs)
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, evs)
	return req, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by id.
func (e *ApprovalEngine) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return e.db.Stores().Requests().Get(ctx, id)
}

// GetHistory returns the request's full audit trail, oldest first.
func (e *ApprovalEngine) GetHistory(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	return e.db.Stores().Actions().ListByRequest(ctx, requestID)
}

// GetBreakdown computes the current weighted breakdown for one step of a
// request.
func (e *ApprovalEngine) GetBreakdown(ctx context.Context, requestID, stepID string) (Breakdown, error) {
	s := e.db.Stores()
	req, err := s.Requests().Get(ctx, requestID)
	if err != nil {
		return Breakdown{}, err
	}
	effSteps, err := e.dynamic.EffectiveSteps(ctx, s, req)
	if err != nil {
		return Breakdown{}, err
	}
	sw := findStep(effSteps, stepID)
	if sw == nil {
		return Breakdown{}, apperr.NotFound("step", stepID)
	}
	votes, err := s.Requests().ListVotes(ctx, requestID, stepID)
	if err != nil {
		return Breakdown{}, err
	}
	return e.weights.ApprovalBreakdown(sw.Step, sw.Approvers, votes), nil
}

// ResolveEffectiveApprovers resolves a step's effective approvers (specs plus
// delegation) for a request at this moment.
func (e *ApprovalEngine) ResolveEffectiveApprovers(ctx context.Context, requestID, stepID string) ([]string, error) {
	s := e.db.Stores()
	req, err := s.Requests().Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	effSteps, err := e.dynamic.EffectiveSteps(ctx, s, req)
	if err != nil {
		return nil, err
	}
	sw := findStep(effSteps, stepID)
	if sw == nil {
		return nil, apperr.NotFound("step", stepID)
	}
	return e.effectiveApproversFor(ctx, s, req, *sw)
}

// PendingForUser returns the awaiting requests on which the user can currently
// act as an effective approver.
func (e *ApprovalEngine) PendingForUser(ctx context.Context, entityID, userID string) ([]*repository.ApprovalRequest, error) {
	s := e.db.Stores()
	awaiting, err := s.Requests().ListAwaiting(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var out []*repository.ApprovalRequest
	for _, req := range awaiting {
		effSteps, err := e.dynamic.EffectiveSteps(ctx, s, req)
		if err != nil {
			return nil, err
		}
		if _, _, err := e.authorize(ctx, s, req, effSteps, userID); err == nil {
			out = append(out, req)
		}
	}
	return out, nil
}

// ── Step advancement internals ────────────────────────────────────────────────

// completeStep routes the request after a step finishes: fork into a parallel
// group, record a parallel branch completion (joining exactly once when the
// sync condition fires), advance by condition or next sequence, or complete
// the request.
func (e *ApprovalEngine) completeStep(
	ctx context.Context,
	s Stores,
	req *repository.ApprovalRequest,
	effSteps []repository.StepWithApprovers,
	step repository.StepWithApprovers,
	evs *[]*events.Event,
) error {
	now := time.Now().UTC()

	// Fork point: activate the group and stop tracking a single current step.
	group, err := s.Parallel().GroupByFork(ctx, req.WorkflowID, step.Step.ID)
	if err != nil {
		return err
	}
	if group != nil {
		var members []string
		var minDue *time.Time
		for _, sw := range effSteps {
			if sw.Step.ParallelGroupID != nil && *sw.Step.ParallelGroupID == group.ID && sw.Step.ID != group.ForkStepID && sw.Step.ID != group.JoinStepID {
				members = append(members, sw.Step.ID)
				if sw.Step.SLAHours != nil {
					due := now.Add(time.Duration(*sw.Step.SLAHours) * time.Hour)
					if minDue == nil || due.Before(*minDue) {
						minDue = &due
					}
				}
				if err := e.flagIfStuck(ctx, s, req, sw, evs); err != nil {
					return err
				}
			}
		}
		if _, err := e.parallel.ActivateForRequest(ctx, s, req, group, members); err != nil {
			return err
		}
		req.CurrentStepID = nil
		req.StepEnteredAt = &now
		req.StepDueAt = minDue
		req.Status = repository.StatusInReview
		return nil
	}

	// Branch of an active parallel group: record completion; only the call
	// that flips the group state performs the join advance.
	if step.Step.ParallelGroupID != nil {
		st, err := s.Parallel().ActiveState(ctx, req.ID)
		if err != nil {
			return err
		}
		if st != nil && st.GroupID == *step.Step.ParallelGroupID {
			grp, err := s.Parallel().GetGroup(ctx, st.GroupID)
			if err != nil {
				return err
			}
			joined, err := e.parallel.RecordStepCompletion(ctx, s, req, grp, step.Step.ID)
			if err != nil {
				return err
			}
			if !joined {
				return nil
			}
			join := findStep(effSteps, grp.JoinStepID)
			if join == nil {
				return apperr.NotFound("join step", grp.JoinStepID)
			}
			return e.enterStep(ctx, s, req, *join, now, evs)
		}
	}

	// Conditional branch, else next sequence, else done.
	fromID := step.Step.ID
	conds, err := s.Conditions().ListFrom(ctx, req.WorkflowID, &fromID)
	if err != nil {
		return err
	}
	if target := e.conditions.NextStepID(conds, req.DataSnapshot); target != nil {
		next := findStep(effSteps, *target)
		if next == nil {
			return apperr.NotFound("step", *target)
		}
		return e.enterStep(ctx, s, req, *next, now, evs)
	}

	var next *repository.StepWithApprovers
	for i := range effSteps {
		sw := &effSteps[i]
		if sw.Step.Sequence > step.Step.Sequence {
			// Parallel branches never activate through serial fall-through.
			if sw.Step.ParallelGroupID != nil && sw.Step.ExecutionType == repository.ExecutionParallel {
				continue
			}
			if next == nil || sw.Step.Sequence < next.Step.Sequence {
				next = sw
			}
		}
	}
	if next != nil {
		return e.enterStep(ctx, s, req, *next, now, evs)
	}

	// ApprovalPercent keeps the last step's real breakdown; a step that passed
	// at 70% reads as 70%, not 100%.
	req.Status = repository.StatusApproved
	req.CurrentStepID = nil
	req.StepDueAt = nil
	req.CompletedAt = &now
	return nil
}

// enterStep points the request at a step, arms its SLA deadline and flags the
// stuck condition when nobody can approve it.
func (e *ApprovalEngine) enterStep(
	ctx context.Context,
	s Stores,
	req *repository.ApprovalRequest,
	sw repository.StepWithApprovers,
	now time.Time,
	evs *[]*events.Event,
) error {
	req.CurrentStepID = &sw.Step.ID
	req.StepEnteredAt = &now
	req.StepDueAt = nil
	if sw.Step.SLAHours != nil {
		due := now.Add(time.Duration(*sw.Step.SLAHours) * time.Hour)
		req.StepDueAt = &due
	}
	if req.Status != repository.StatusSubmitted {
		req.Status = repository.StatusInReview
	}
	req.ApprovalPercent = decimal.Zero

	return e.flagIfStuck(ctx, s, req, sw, evs)
}

// flagIfStuck records a stuck escalation when a step resolves to zero
// effective approvers. Never an error surfaced to the acting user and never an
// auto-approval; admins act on the flag.
func (e *ApprovalEngine) flagIfStuck(ctx context.Context, s Stores, req *repository.ApprovalRequest, sw repository.StepWithApprovers, evs *[]*events.Event) error {
	approvers, err := e.effectiveApproversFor(ctx, s, req, sw)
	if err != nil && !apperr.IsCode(err, apperr.ErrCodeStuck) {
		return err
	}
	if len(approvers) > 0 {
		return nil
	}

	e.log.Warn().
		Str("request_id", req.ID).
		Str("step_id", sw.Step.ID).
		Msg("step resolved to zero approvers; flagging stuck")

	if err := s.Escalations().Append(ctx, &repository.ApprovalEscalation{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		StepID:    sw.Step.ID,
		EntityID:  req.EntityID,
		Kind:      repository.EscalationStuck,
		Strategy:  sw.Step.EscalationStrategy,
	}); err != nil {
		return err
	}
	*evs = append(*evs, &events.Event{
		Type:       events.TypeRequestStuck,
		EntityID:   req.EntityID,
		RequestID:  req.ID,
		WorkflowID: req.WorkflowID,
		Payload:    map[string]any{"step_id": sw.Step.ID},
	})
	return nil
}

// effectiveApproversFor resolves a step's specs and applies delegation.
func (e *ApprovalEngine) effectiveApproversFor(ctx context.Context, s Stores, req *repository.ApprovalRequest, sw repository.StepWithApprovers) ([]string, error) {
	resolved, err := e.resolver.ResolveAll(ctx, sw.Approvers, req)
	if err != nil {
		return nil, err
	}
	var raw []string
	for _, users := range resolved {
		raw = append(raw, users...)
	}
	if !sw.Step.AllowsDelegation {
		return dedupe(raw), nil
	}
	scope := DelegationScope{StepID: &sw.Step.ID, Module: &req.ModelType}
	return e.delegation.EffectiveApprovers(ctx, s, req.EntityID, raw, time.Now().UTC(), scope)
}

// activeSteps lists the steps currently accepting actions: the current step,
// or the pending branches of an active parallel group.
func (e *ApprovalEngine) activeSteps(ctx context.Context, s Stores, req *repository.ApprovalRequest, effSteps []repository.StepWithApprovers) ([]repository.StepWithApprovers, error) {
	if req.CurrentStepID != nil {
		sw := findStep(effSteps, *req.CurrentStepID)
		if sw == nil {
			return nil, apperr.NotFound("step", *req.CurrentStepID)
		}
		return []repository.StepWithApprovers{*sw}, nil
	}

	st, err := s.Parallel().ActiveState(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, apperr.Conflict("request has no active step")
	}
	var out []repository.StepWithApprovers
	for stepID, status := range st.StepStatus {
		if status != "pending" {
			continue
		}
		if sw := findStep(effSteps, stepID); sw != nil {
			out = append(out, *sw)
		}
	}
	if len(out) == 0 {
		return nil, apperr.Conflict("request has no active step")
	}
	return out, nil
}

// authorize finds the active step and spec on which the user may act.
// Authorization failures record nothing.
func (e *ApprovalEngine) authorize(ctx context.Context, s Stores, req *repository.ApprovalRequest, effSteps []repository.StepWithApprovers, userID string) (*repository.StepWithApprovers, string, error) {
	active, err := e.activeSteps(ctx, s, req, effSteps)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	for i := range active {
		sw := active[i]
		for _, spec := range sw.Approvers {
			users, err := e.resolver.Resolve(ctx, spec, req)
			if err != nil {
				e.log.Warn().Err(err).
					Str("spec_id", spec.ID).
					Str("request_id", req.ID).
					Msg("approver spec resolution failed during authorization")
				continue
			}
			if sw.Step.AllowsDelegation {
				var role *string
				if spec.Kind == repository.ApproverRole {
					role = spec.SubjectID
				}
				scope := DelegationScope{StepID: &sw.Step.ID, Module: &req.ModelType, Role: role}
				users, err = e.delegation.EffectiveApprovers(ctx, s, req.EntityID, users, now, scope)
				if err != nil {
					return nil, "", err
				}
			}
			for _, u := range users {
				if u == userID {
					return &sw, spec.ID, nil
				}
			}
		}
	}
	return nil, "", apperr.Unauthorized("user is not an effective approver of any active step")
}

// castVote records a decision, refusing double votes by the same user on the
// same step.
func (e *ApprovalEngine) castVote(ctx context.Context, s Stores, req *repository.ApprovalRequest, sw *repository.StepWithApprovers, specID, userID string, decision repository.VoteDecision) error {
	votes, err := s.Requests().ListVotes(ctx, req.ID, sw.Step.ID)
	if err != nil {
		return err
	}
	for _, v := range votes {
		if v.UserID == userID {
			return apperr.Conflict("user has already acted on this step")
		}
	}

	weight := 0
	for _, spec := range sw.Approvers {
		if spec.ID == specID {
			weight = spec.Weight
			break
		}
	}

	return s.Requests().AddVote(ctx, &repository.ApprovalVote{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		StepID:       sw.Step.ID,
		SpecID:       specID,
		UserID:       userID,
		Decision:     decision,
		WeightAtTime: weight,
		DecidedAt:    time.Now().UTC(),
	})
}

// lockAwaiting locks the request row and verifies it still accepts actions.
func (e *ApprovalEngine) lockAwaiting(ctx context.Context, s Stores, requestID string) (*repository.ApprovalRequest, error) {
	req, err := s.Requests().GetForUpdate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "request is %s", req.Status)
	}
	if !req.Status.Awaiting() {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "request status %s does not accept approval actions", req.Status)
	}
	return req, nil
}

// recordAction appends the audit entry and queues the post-commit events.
func (e *ApprovalEngine) recordAction(
	ctx context.Context,
	s Stores,
	req *repository.ApprovalRequest,
	action repository.ActionType,
	userID string,
	stepID *string,
	remarks *string,
	evs *[]*events.Event,
	meta ...map[string]any,
) error {
	var metadata map[string]any
	if len(meta) > 0 {
		metadata = meta[0]
	}
	if err := s.Actions().Append(ctx, &repository.ApprovalAction{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		StepID:      stepID,
		EntityID:    req.EntityID,
		Action:      action,
		PerformedBy: userID,
		Remarks:     remarks,
		Metadata:    metadata,
	}); err != nil {
		return err
	}

	*evs = append(*evs, &events.Event{
		Type:       events.TypeActionTaken,
		EntityID:   req.EntityID,
		ActorID:    userID,
		RequestID:  req.ID,
		WorkflowID: req.WorkflowID,
		Action:     string(action),
		Payload:    map[string]any{"status": string(req.Status)},
	})
	return nil
}

// withRetry re-runs fn a bounded number of times on serialization failures, so
// lock conflicts during step advancement never surface as partial effects.
func (e *ApprovalEngine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err = fn(); err == nil || !database.IsSerializationFailure(err) {
			return err
		}
		e.log.Warn().Err(err).Int("attempt", attempt+1).Msg("transaction conflict; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return apperr.Wrap(err, apperr.ErrCodeConflict, "transaction conflict persisted after retries")
}

func (e *ApprovalEngine) publish(ctx context.Context, evs []*events.Event) {
	for _, ev := range evs {
		e.sink.Publish(ctx, ev)
	}
}

// ── shared helpers ────────────────────────────────────────────────────────────

func sortedSteps(steps []repository.StepWithApprovers) []repository.StepWithApprovers {
	out := make([]repository.StepWithApprovers, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step.Sequence < out[j].Step.Sequence })
	return out
}

func findStep(steps []repository.StepWithApprovers, id string) *repository.StepWithApprovers {
	for i := range steps {
		if steps[i].Step.ID == id {
			return &steps[i]
		}
	}
	return nil
}
