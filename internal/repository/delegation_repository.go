package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// DelegationRepository persists delegations of approval authority.
type DelegationRepository struct {
	q Querier
}

// NewDelegationRepository creates a DelegationRepository over q.
func NewDelegationRepository(q Querier) *DelegationRepository {
	return &DelegationRepository{q: q}
}

// Create inserts a delegation.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO approval_delegations
		    (id, entity_id, from_user_id, to_user_id, delegation_type,
		     step_id, module, role, starts_at, ends_at, is_active, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		d.ID,
		d.EntityID,
		d.FromUserID,
		d.ToUserID,
		d.Type,
		d.StepID,
		d.Module,
		d.Role,
		d.StartsAt,
		d.EndsAt,
		d.IsActive,
		d.Reason,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// Get retrieves a delegation by id.
func (r *DelegationRepository) Get(ctx context.Context, id string) (*Delegation, error) {
	d, err := scanDelegation(r.q.QueryRow(ctx, delegationSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "delegation", id)
	}
	return d, nil
}

// SetActive toggles a delegation on or off.
func (r *DelegationRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE approval_delegations
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, active).Scan(&returnedID)
	return notFoundOr(err, "delegation", id)
}

// ActiveFrom returns active delegations redirecting userID's authority whose
// window covers at. The window is [starts_at, ends_at); nil ends_at never
// expires.
func (r *DelegationRepository) ActiveFrom(ctx context.Context, entityID, userID string, at time.Time) ([]*Delegation, error) {
	query := delegationSelect + `
		WHERE entity_id = $1
		  AND from_user_id = $2
		  AND is_active
		  AND starts_at <= $3
		  AND (ends_at IS NULL OR ends_at > $3)
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, entityID, userID, at)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var result []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan delegation")
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list delegations")
	}
	return result, nil
}

// DeactivateExpired turns off delegations whose window has passed and reports
// how many were flipped. Run by the scheduled sweep.
func (r *DelegationRepository) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE approval_delegations
		SET is_active = FALSE, updated_at = NOW()
		WHERE is_active
		  AND ends_at IS NOT NULL
		  AND ends_at <= $1
	`

	tag, err := r.q.Exec(ctx, query, now)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to deactivate expired delegations")
	}
	return int(tag.RowsAffected()), nil
}

const delegationSelect = `
	SELECT id, entity_id, from_user_id, to_user_id, delegation_type,
	       step_id, module, role, starts_at, ends_at, is_active, reason,
	       created_at, updated_at
	FROM approval_delegations
`

func scanDelegation(row scanner) (*Delegation, error) {
	d := &Delegation{}
	err := row.Scan(
		&d.ID,
		&d.EntityID,
		&d.FromUserID,
		&d.ToUserID,
		&d.Type,
		&d.StepID,
		&d.Module,
		&d.Role,
		&d.StartsAt,
		&d.EndsAt,
		&d.IsActive,
		&d.Reason,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
