package repository

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
)

// VersionRepository persists immutable workflow version snapshots.
type VersionRepository struct {
	q Querier
}

// NewVersionRepository creates a VersionRepository over q.
func NewVersionRepository(q Querier) *VersionRepository {
	return &VersionRepository{q: q}
}

// Append inserts a snapshot. When v is active, all other versions of the
// workflow are deactivated first; callers run this inside a transaction so the
// single-active invariant holds.
func (r *VersionRepository) Append(ctx context.Context, v *WorkflowVersion) error {
	if v.IsActive {
		deactivate := `
			UPDATE workflow_versions
			SET is_active = FALSE
			WHERE workflow_id = $1 AND is_active
		`
		if _, err := r.q.Exec(ctx, deactivate, v.WorkflowID); err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to deactivate previous versions")
		}
	}

	query := `
		INSERT INTO workflow_versions
		    (id, workflow_id, entity_id, version, change_type,
		     is_active, snapshot, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		v.ID,
		v.WorkflowID,
		v.EntityID,
		v.Version,
		v.ChangeType,
		v.IsActive,
		v.Snapshot,
		v.CreatedBy,
	).Scan(&v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict(fmt.Sprintf("version %d already exists", v.Version))
		}
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to append workflow version")
	}
	return nil
}

// Active returns the workflow's currently active version.
func (r *VersionRepository) Active(ctx context.Context, workflowID string) (*WorkflowVersion, error) {
	query := versionSelect + `
		WHERE workflow_id = $1 AND is_active
	`

	v, err := scanVersion(r.q.QueryRow(ctx, query, workflowID))
	if err != nil {
		return nil, notFoundOr(err, "workflow_version", workflowID)
	}
	return v, nil
}

// Get returns one specific version of a workflow.
func (r *VersionRepository) Get(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	query := versionSelect + `
		WHERE workflow_id = $1 AND version = $2
	`

	v, err := scanVersion(r.q.QueryRow(ctx, query, workflowID, version))
	if err != nil {
		return nil, notFoundOr(err, "workflow_version", fmt.Sprintf("%s@%d", workflowID, version))
	}
	return v, nil
}

// History returns all versions of a workflow, newest first. History only
// grows; rollbacks append.
func (r *VersionRepository) History(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	query := versionSelect + `
		WHERE workflow_id = $1
		ORDER BY version DESC
	`

	rows, err := r.q.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list workflow versions")
	}
	defer rows.Close()

	var result []*WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan workflow version")
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to list workflow versions")
	}
	return result, nil
}

const versionSelect = `
	SELECT id, workflow_id, entity_id, version, change_type,
	       is_active, snapshot, created_by, created_at
	FROM workflow_versions
`

func scanVersion(row scanner) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	err := row.Scan(
		&v.ID,
		&v.WorkflowID,
		&v.EntityID,
		&v.Version,
		&v.ChangeType,
		&v.IsActive,
		&v.Snapshot,
		&v.CreatedBy,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}
