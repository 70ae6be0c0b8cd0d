package repository

import (
	"context"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// RequestRepository persists approval requests and their votes.
type RequestRepository struct {
	q Querier
}

// NewRequestRepository creates a RequestRepository over q.
func NewRequestRepository(q Querier) *RequestRepository {
	return &RequestRepository{q: q}
}

// Create inserts a request.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests
		    (id, entity_id, workflow_id, workflow_version, current_step_id,
		     model_type, model_id, requester_id, status, data_snapshot,
		     approval_percent, on_hold, held_at, step_entered_at, step_due_at,
		     submitted_at, completed_at, rejected_at, rejection_reason, metadata)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		req.ID,
		req.EntityID,
		req.WorkflowID,
		req.WorkflowVersion,
		req.CurrentStepID,
		req.ModelType,
		req.ModelID,
		req.RequesterID,
		req.Status,
		req.DataSnapshot,
		req.ApprovalPercent,
		req.OnHold,
		req.HeldAt,
		req.StepEnteredAt,
		req.StepDueAt,
		req.SubmittedAt,
		req.CompletedAt,
		req.RejectedAt,
		req.RejectionReason,
		req.Metadata,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// Get retrieves a request by id.
func (r *RequestRepository) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := scanRequest(r.q.QueryRow(ctx, requestSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "approval_request", id)
	}
	return req, nil
}

// GetForUpdate retrieves a request under FOR UPDATE. Callers must be inside a
// transaction; the lock holds until commit.
func (r *RequestRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := scanRequest(r.q.QueryRow(ctx, requestSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundOr(err, "approval_request", id)
	}
	return req, nil
}

// Update rewrites the request's mutable columns.
func (r *RequestRepository) Update(ctx context.Context, req *ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET current_step_id  = $2,
		    status           = $3,
		    approval_percent = $4,
		    on_hold          = $5,
		    held_at          = $6,
		    step_entered_at  = $7,
		    step_due_at      = $8,
		    submitted_at     = $9,
		    completed_at     = $10,
		    rejected_at      = $11,
		    rejection_reason = $12,
		    data_snapshot    = $13,
		    metadata         = $14,
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query,
		req.ID,
		req.CurrentStepID,
		req.Status,
		req.ApprovalPercent,
		req.OnHold,
		req.HeldAt,
		req.StepEnteredAt,
		req.StepDueAt,
		req.SubmittedAt,
		req.CompletedAt,
		req.RejectedAt,
		req.RejectionReason,
		req.DataSnapshot,
		req.Metadata,
	).Scan(&req.UpdatedAt)
	return notFoundOr(err, "approval_request", req.ID)
}

// AddVote records one approver's decision. The (request, step, user) unique
// index is the double-vote guard.
func (r *RequestRepository) AddVote(ctx context.Context, vote *ApprovalVote) error {
	query := `
		INSERT INTO approval_votes
		    (id, request_id, step_id, spec_id, user_id, decision, weight_at_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING decided_at
	`

	err := r.q.QueryRow(ctx, query,
		vote.ID,
		vote.RequestID,
		vote.StepID,
		vote.SpecID,
		vote.UserID,
		vote.Decision,
		vote.WeightAtTime,
	).Scan(&vote.DecidedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("user has already voted on this step")
		}
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to record vote")
	}
	return nil
}

// ListVotes returns all votes for one step of a request.
func (r *RequestRepository) ListVotes(ctx context.Context, requestID, stepID string) ([]*ApprovalVote, error) {
	query := `
		SELECT id, request_id, step_id, spec_id, user_id,
		       decision, weight_at_time, decided_at
		FROM approval_votes
		WHERE request_id = $1 AND step_id = $2
		ORDER BY decided_at
	`

	rows, err := r.q.Query(ctx, query, requestID, stepID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list votes")
	}
	defer rows.Close()

	var result []*ApprovalVote
	for rows.Next() {
		v := &ApprovalVote{}
		err := rows.Scan(&v.ID, &v.RequestID, &v.StepID, &v.SpecID, &v.UserID,
			&v.Decision, &v.WeightAtTime, &v.DecidedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan vote")
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list votes")
	}
	return result, nil
}

// ClearVotes deletes votes for the given steps, used on send-back and
// resubmission.
func (r *RequestRepository) ClearVotes(ctx context.Context, requestID string, stepIDs []string) error {
	if len(stepIDs) == 0 {
		return nil
	}

	query := `
		DELETE FROM approval_votes
		WHERE request_id = $1 AND step_id = ANY($2)
	`

	if _, err := r.q.Exec(ctx, query, requestID, stepIDs); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to clear votes")
	}
	return nil
}

// ListAwaiting returns non-held requests awaiting approver action for an
// entity.
func (r *RequestRepository) ListAwaiting(ctx context.Context, entityID string) ([]*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE entity_id = $1
		  AND status IN ('submitted', 'in_review', 'pending')
		  AND NOT on_hold
		ORDER BY submitted_at
	`
	return r.listRequests(ctx, query, entityID)
}

// ListAwaitingWithDeadline returns awaiting, non-held requests carrying a step
// deadline, for the SLA sweeps.
func (r *RequestRepository) ListAwaitingWithDeadline(ctx context.Context) ([]*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE status IN ('submitted', 'in_review', 'pending')
		  AND NOT on_hold
		  AND step_due_at IS NOT NULL
		ORDER BY step_due_at
	`
	return r.listRequests(ctx, query)
}

func (r *RequestRepository) listRequests(ctx context.Context, query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list requests")
	}
	defer rows.Close()

	var result []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan request")
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list requests")
	}
	return result, nil
}

const requestSelect = `
	SELECT id, entity_id, workflow_id, workflow_version, current_step_id,
	       model_type, model_id, requester_id, status, data_snapshot,
	       approval_percent, on_hold, held_at, step_entered_at, step_due_at,
	       submitted_at, completed_at, rejected_at, rejection_reason, metadata,
	       created_at, updated_at
	FROM approval_requests
`

func scanRequest(row scanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.EntityID,
		&req.WorkflowID,
		&req.WorkflowVersion,
		&req.CurrentStepID,
		&req.ModelType,
		&req.ModelID,
		&req.RequesterID,
		&req.Status,
		&req.DataSnapshot,
		&req.ApprovalPercent,
		&req.OnHold,
		&req.HeldAt,
		&req.StepEnteredAt,
		&req.StepDueAt,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.RejectedAt,
		&req.RejectionReason,
		&req.Metadata,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
