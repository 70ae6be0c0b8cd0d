package repository

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// ActionRepository appends and reads the immutable audit trail. Rows are never
// updated or deleted.
type ActionRepository struct {
	q Querier
}

// NewActionRepository creates an ActionRepository over q.
func NewActionRepository(q Querier) *ActionRepository {
	return &ActionRepository{q: q}
}

// Append inserts one audit record.
func (r *ActionRepository) Append(ctx context.Context, a *ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (id, request_id, step_id, entity_id, action,
		     performed_by, remarks, ip_address, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING performed_at
	`

	err := r.q.QueryRow(ctx, query,
		a.ID,
		a.RequestID,
		a.StepID,
		a.EntityID,
		a.Action,
		a.PerformedBy,
		a.Remarks,
		a.IPAddress,
		a.Metadata,
	).Scan(&a.PerformedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to append audit action")
	}
	return nil
}

// ListByRequest returns a request's audit trail in chronological order.
func (r *ActionRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, request_id, step_id, entity_id, action,
		       performed_by, remarks, ip_address, metadata, performed_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY performed_at
	`

	rows, err := r.q.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list audit actions")
	}
	defer rows.Close()

	var result []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		err := rows.Scan(&a.ID, &a.RequestID, &a.StepID, &a.EntityID, &a.Action,
			&a.PerformedBy, &a.Remarks, &a.IPAddress, &a.Metadata, &a.PerformedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan audit action")
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list audit actions")
	}
	return result, nil
}
