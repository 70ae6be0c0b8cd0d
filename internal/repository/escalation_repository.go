package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// EscalationRepository appends escalation, reminder, and stuck records.
type EscalationRepository struct {
	q Querier
}

// NewEscalationRepository creates an EscalationRepository over q.
func NewEscalationRepository(q Querier) *EscalationRepository {
	return &EscalationRepository{q: q}
}

// Append inserts one escalation record.
func (r *EscalationRepository) Append(ctx context.Context, e *ApprovalEscalation) error {
	query := `
		INSERT INTO approval_escalations
		    (id, request_id, step_id, entity_id, kind, strategy, escalated_to, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		e.ID,
		e.RequestID,
		e.StepID,
		e.EntityID,
		e.Kind,
		e.Strategy,
		e.EscalatedTo,
		e.Notes,
	).Scan(&e.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to append escalation")
	}
	return nil
}

// ExistsSince reports whether an escalation of the given kind was already
// recorded for the step since the request last entered it. The sweeps use this
// as their idempotency guard.
func (r *EscalationRepository) ExistsSince(ctx context.Context, requestID, stepID string, kind EscalationKind, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM approval_escalations
			WHERE request_id = $1
			  AND step_id = $2
			  AND kind = $3
			  AND created_at >= $4
		)
	`

	var exists bool
	err := r.q.QueryRow(ctx, query, requestID, stepID, kind, since).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to check escalation history")
	}
	return exists, nil
}
