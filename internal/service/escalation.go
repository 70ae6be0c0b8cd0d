package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/events"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// EscalationFunc is a host-registered custom escalation handler.
type EscalationFunc func(ctx context.Context, req *repository.ApprovalRequest, stepID string) error

// EscalationService periodically sweeps awaiting requests for SLA breaches and
// approaching deadlines. Sweeps run from an external scheduler and are safe to
// run concurrently with live approve/reject traffic: each candidate is
// re-checked under its own row lock, and the escalation record per
// (request, step, kind) window is the idempotency guard.
type EscalationService struct {
	db              DB
	identity        IdentityProvider
	resolver        *ApproverResolver
	delegation      *DelegationManager
	dynamic         *DynamicWorkflowManager
	sink            events.Sink
	log             zerolog.Logger
	reminderPercent int
	custom          EscalationFunc
}

// NewEscalationService creates an EscalationService. reminderPercent is the
// percent of SLA elapsed that triggers a reminder; values outside (0,100)
// default to 80.
func NewEscalationService(
	db DB,
	identity IdentityProvider,
	resolver *ApproverResolver,
	delegation *DelegationManager,
	dynamic *DynamicWorkflowManager,
	sink events.Sink,
	log zerolog.Logger,
	reminderPercent int,
) *EscalationService {
	if reminderPercent <= 0 || reminderPercent >= 100 {
		reminderPercent = 80
	}
	return &EscalationService{
		db:              db,
		identity:        identity,
		resolver:        resolver,
		delegation:      delegation,
		dynamic:         dynamic,
		sink:            sink,
		log:             log,
		reminderPercent: reminderPercent,
	}
}

// RegisterCustomStrategy sets the handler for steps whose escalation strategy
// is custom. Without one, custom falls back to notify.
func (s *EscalationService) RegisterCustomStrategy(fn EscalationFunc) {
	s.custom = fn
}

// CheckOverdueApprovals escalates every awaiting, not-held request whose step
// deadline has passed and that was not already escalated in this SLA window.
// Returns the number escalated.
func (s *EscalationService) CheckOverdueApprovals(ctx context.Context) (int, error) {
	candidates, err := s.db.Stores().Requests().ListAwaitingWithDeadline(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	count := 0
	for _, candidate := range candidates {
		if candidate.StepDueAt == nil || candidate.StepDueAt.After(now) {
			continue
		}
		escalated, err := s.escalateOne(ctx, candidate.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", candidate.ID).Msg("escalation failed")
			continue
		}
		if escalated {
			count++
		}
	}
	return count, nil
}

// escalateOne re-checks one request under its row lock and applies the
// escalation strategy of every overdue step: the current step, or each
// still-pending branch of an active parallel group.
func (s *EscalationService) escalateOne(ctx context.Context, requestID string) (bool, error) {
	var evs []*events.Event
	escalated := false

	err := s.db.InTx(ctx, func(st Stores) error {
		req, err := st.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		// Re-verify on the locked row: the request may have advanced, been
		// held, or completed since the sweep's read.
		now := time.Now().UTC()
		if !req.Status.Awaiting() || req.OnHold ||
			req.StepDueAt == nil || req.StepDueAt.After(now) || req.StepEnteredAt == nil {
			return nil
		}

		effSteps, err := s.dynamic.EffectiveSteps(ctx, st, req)
		if err != nil {
			return err
		}
		steps, err := s.sweepSteps(ctx, st, req, effSteps)
		if err != nil {
			return err
		}

		for i := range steps {
			sw := steps[i]
			stepID := sw.Step.ID

			exists, err := st.Escalations().ExistsSince(ctx, req.ID, stepID, repository.EscalationOverdue, *req.StepEnteredAt)
			if err != nil {
				return err
			}
			if exists {
				continue
			}

			strategy := sw.Step.EscalationStrategy
			if strategy == "" {
				strategy = repository.EscalateNotify
			}

			var escalatedTo *string
			switch strategy {
			case repository.EscalateReassign:
				escalatedTo, err = s.reassignToNextLevel(ctx, st, req, sw)
				if err != nil {
					return err
				}
			case repository.EscalateCustom:
				if s.custom != nil {
					if err := s.custom(ctx, req, stepID); err != nil {
						return err
					}
				}
			}

			if err := st.Escalations().Append(ctx, &repository.ApprovalEscalation{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				StepID:      stepID,
				EntityID:    req.EntityID,
				Kind:        repository.EscalationOverdue,
				Strategy:    strategy,
				EscalatedTo: escalatedTo,
			}); err != nil {
				return err
			}
			if err := st.Actions().Append(ctx, &repository.ApprovalAction{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				StepID:      &sw.Step.ID,
				EntityID:    req.EntityID,
				Action:      repository.ActionEscalated,
				PerformedBy: "system",
			}); err != nil {
				return err
			}

			recipients, _ := s.currentApprovers(ctx, st, req, sw)
			evs = append(evs, &events.Event{
				Type:       events.TypeEscalation,
				EntityID:   req.EntityID,
				RequestID:  req.ID,
				WorkflowID: req.WorkflowID,
				Recipients: recipients,
				Payload: map[string]any{
					"step_id":  stepID,
					"strategy": string(strategy),
					"due_at":   req.StepDueAt,
				},
			})
			escalated = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, ev := range evs {
		s.sink.Publish(ctx, ev)
	}
	return escalated, nil
}

// sweepSteps lists the steps a sweep acts on: the current step, or the pending
// branches of an active parallel group, in sequence order. The request-level
// deadline is the earliest branch deadline, so once it passes every branch
// still pending is treated as overdue.
func (s *EscalationService) sweepSteps(ctx context.Context, st Stores, req *repository.ApprovalRequest, effSteps []repository.StepWithApprovers) ([]repository.StepWithApprovers, error) {
	if req.CurrentStepID != nil {
		sw := findStep(effSteps, *req.CurrentStepID)
		if sw == nil {
			return nil, nil
		}
		return []repository.StepWithApprovers{*sw}, nil
	}

	pst, err := st.Parallel().ActiveState(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if pst == nil {
		return nil, nil
	}
	var out []repository.StepWithApprovers
	for stepID, status := range pst.StepStatus {
		if status != "pending" {
			continue
		}
		if sw := findStep(effSteps, stepID); sw != nil {
			out = append(out, *sw)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step.Sequence < out[j].Step.Sequence })
	return out, nil
}

// reassignToNextLevel adds the manager of the step's first current approver as
// an additional approver for this request.
func (s *EscalationService) reassignToNextLevel(ctx context.Context, st Stores, req *repository.ApprovalRequest, sw repository.StepWithApprovers) (*string, error) {
	approvers, err := s.currentApprovers(ctx, st, req, sw)
	if err != nil || len(approvers) == 0 {
		return nil, err
	}

	manager, err := s.identity.ManagerOf(ctx, req.EntityID, approvers[0])
	if err != nil || manager == "" {
		return nil, err
	}

	err = st.Dynamic().AppendAssignment(ctx, &repository.DynamicApproverAssignment{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		EntityID:  req.EntityID,
		StepID:    sw.Step.ID,
		Kind:      repository.ApproverUser,
		SubjectID: &manager,
		Weight:    100,
		CreatedBy: "system",
	})
	if err != nil {
		return nil, err
	}
	return &manager, nil
}

func (s *EscalationService) currentApprovers(ctx context.Context, st Stores, req *repository.ApprovalRequest, sw repository.StepWithApprovers) ([]string, error) {
	resolved, err := s.resolver.ResolveAll(ctx, sw.Approvers, req)
	if err != nil {
		return nil, err
	}
	var users []string
	for _, u := range resolved {
		users = append(users, u...)
	}
	if !sw.Step.AllowsDelegation {
		return dedupe(users), nil
	}
	scope := DelegationScope{StepID: &sw.Step.ID, Module: &req.ModelType}
	return s.delegation.EffectiveApprovers(ctx, st, req.EntityID, users, time.Now().UTC(), scope)
}

// SendReminders emits a reminder for every awaiting request that has crossed
// the reminder percentage of its SLA window without being reminded this
// window. Returns the number reminded. Delivery is external; this only
// publishes events.
func (s *EscalationService) SendReminders(ctx context.Context) (int, error) {
	candidates, err := s.db.Stores().Requests().ListAwaitingWithDeadline(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	count := 0
	for _, candidate := range candidates {
		if candidate.StepEnteredAt == nil || candidate.StepDueAt == nil {
			continue
		}
		window := candidate.StepDueAt.Sub(*candidate.StepEnteredAt)
		threshold := candidate.StepEnteredAt.Add(window * time.Duration(s.reminderPercent) / 100)
		if now.Before(threshold) || !now.Before(*candidate.StepDueAt) {
			continue
		}

		reminded, err := s.remindOne(ctx, candidate.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", candidate.ID).Msg("reminder failed")
			continue
		}
		if reminded {
			count++
		}
	}
	return count, nil
}

func (s *EscalationService) remindOne(ctx context.Context, requestID string) (bool, error) {
	var evs []*events.Event
	reminded := false

	err := s.db.InTx(ctx, func(st Stores) error {
		req, err := st.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if !req.Status.Awaiting() || req.OnHold || req.StepEnteredAt == nil {
			return nil
		}

		effSteps, err := s.dynamic.EffectiveSteps(ctx, st, req)
		if err != nil {
			return err
		}
		steps, err := s.sweepSteps(ctx, st, req, effSteps)
		if err != nil {
			return err
		}

		for i := range steps {
			sw := steps[i]
			stepID := sw.Step.ID

			exists, err := st.Escalations().ExistsSince(ctx, req.ID, stepID, repository.EscalationReminder, *req.StepEnteredAt)
			if err != nil {
				return err
			}
			if exists {
				continue
			}

			if err := st.Escalations().Append(ctx, &repository.ApprovalEscalation{
				ID:        uuid.NewString(),
				RequestID: req.ID,
				StepID:    stepID,
				EntityID:  req.EntityID,
				Kind:      repository.EscalationReminder,
				Strategy:  sw.Step.EscalationStrategy,
			}); err != nil {
				return err
			}

			recipients, _ := s.currentApprovers(ctx, st, req, sw)
			evs = append(evs, &events.Event{
				Type:       events.TypeReminder,
				EntityID:   req.EntityID,
				RequestID:  req.ID,
				WorkflowID: req.WorkflowID,
				Recipients: recipients,
				Payload: map[string]any{
					"step_id": stepID,
					"due_at":  req.StepDueAt,
				},
			})
			reminded = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, ev := range evs {
		s.sink.Publish(ctx, ev)
	}
	return reminded, nil
}
