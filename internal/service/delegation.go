package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// DelegationScope narrows which delegations apply when resolving effective
// approvers for a particular step.
type DelegationScope struct {
	StepID *string
	Module *string
	Role   *string
}

// DelegationManager resolves delegated approval authority and manages
// delegation lifecycle. Chained delegations resolve transitively up to a
// bounded depth; a detected cycle falls back to the original approver.
type DelegationManager struct {
	db       DB
	maxDepth int
	log      zerolog.Logger
}

// NewDelegationManager creates a DelegationManager. maxDepth bounds chain
// resolution; values below 1 default to 5.
func NewDelegationManager(db DB, maxDepth int, log zerolog.Logger) *DelegationManager {
	if maxDepth < 1 {
		maxDepth = 5
	}
	return &DelegationManager{db: db, maxDepth: maxDepth, log: log}
}

// Create validates and stores a delegation.
func (m *DelegationManager) Create(ctx context.Context, d *repository.Delegation) error {
	if d.FromUserID == "" || d.ToUserID == "" {
		return apperr.InvalidInput("user_id", "both from and to users are required")
	}
	if d.FromUserID == d.ToUserID {
		return apperr.InvalidInput("to_user_id", "cannot delegate to oneself")
	}
	if d.EndsAt != nil && !d.EndsAt.After(d.StartsAt) {
		return apperr.InvalidInput("ends_at", "must be after starts_at")
	}
	if d.Type == "" {
		d.Type = repository.DelegationTemporary
	}
	d.IsActive = true
	return m.db.Stores().Delegations().Create(ctx, d)
}

// Activate enables a delegation. Idempotent.
func (m *DelegationManager) Activate(ctx context.Context, id string) error {
	return m.db.Stores().Delegations().SetActive(ctx, id, true)
}

// Deactivate disables a delegation. Idempotent.
func (m *DelegationManager) Deactivate(ctx context.Context, id string) error {
	return m.db.Stores().Delegations().SetActive(ctx, id, false)
}

// CheckAndAutoEnd deactivates delegations whose ends_at has passed and returns
// the count ended. Swept periodically.
func (m *DelegationManager) CheckAndAutoEnd(ctx context.Context) (int, error) {
	n, err := m.db.Stores().Delegations().DeactivateExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("delegations auto-ended")
	}
	return n, nil
}

// EffectiveApprover follows the delegation chain from userID at the given
// time under the given scope. A cycle or an over-deep chain falls back to the
// original user.
func (m *DelegationManager) EffectiveApprover(ctx context.Context, s Stores, entityID, userID string, at time.Time, scope DelegationScope) (string, error) {
	visited := map[string]struct{}{userID: {}}
	current := userID

	for depth := 0; depth < m.maxDepth; depth++ {
		dels, err := s.Delegations().ActiveFrom(ctx, entityID, current, at)
		if err != nil {
			return "", err
		}
		next := pickDelegation(dels, scope)
		if next == nil {
			return current, nil
		}
		if _, seen := visited[next.ToUserID]; seen {
			m.log.Warn().
				Str("user_id", userID).
				Str("cycle_at", next.ToUserID).
				Msg("delegation cycle detected; falling back to original approver")
			return userID, nil
		}
		visited[next.ToUserID] = struct{}{}
		current = next.ToUserID
	}

	m.log.Warn().
		Str("user_id", userID).
		Int("max_depth", m.maxDepth).
		Msg("delegation chain exceeded max depth; falling back to original approver")
	return userID, nil
}

// EffectiveApprovers maps each resolved approver through the delegation chain,
// deduplicating the result.
func (m *DelegationManager) EffectiveApprovers(ctx context.Context, s Stores, entityID string, users []string, at time.Time, scope DelegationScope) ([]string, error) {
	out := make([]string, 0, len(users))
	for _, u := range users {
		eff, err := m.EffectiveApprover(ctx, s, entityID, u, at, scope)
		if err != nil {
			return nil, err
		}
		out = append(out, eff)
	}
	return dedupe(out), nil
}

// pickDelegation chooses the applicable delegation: step-scoped first, then
// module, then role, then unscoped.
func pickDelegation(dels []*repository.Delegation, scope DelegationScope) *repository.Delegation {
	var byModule, byRole, unscoped *repository.Delegation
	for _, d := range dels {
		switch {
		case d.StepID != nil:
			if scope.StepID != nil && *d.StepID == *scope.StepID {
				return d
			}
		case d.Module != nil:
			if byModule == nil && scope.Module != nil && *d.Module == *scope.Module {
				byModule = d
			}
		case d.Role != nil:
			if byRole == nil && scope.Role != nil && *d.Role == *scope.Role {
				byRole = d
			}
		default:
			if unscoped == nil {
				unscoped = d
			}
		}
	}
	if byModule != nil {
		return byModule
	}
	if byRole != nil {
		return byRole
	}
	return unscoped
}
