package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// Stores bundles the persistence interfaces the services operate on. The
// repository package implements them over pgx; tests substitute in-memory
// fakes.
type Stores interface {
	Workflows() WorkflowStore
	Versions() VersionStore
	Requests() RequestStore
	Actions() ActionStore
	Delegations() DelegationStore
	Conditions() ConditionStore
	Parallel() ParallelStore
	Dynamic() DynamicStore
	Escalations() EscalationStore
}

// DB provides store access and the transactional unit-of-work boundary.
// Everything inside InTx runs in one database transaction, so FOR UPDATE row
// locks taken through the stores hold until commit.
type DB interface {
	Stores() Stores
	InTx(ctx context.Context, fn func(s Stores) error) error
}

// WorkflowStore manages workflow templates and their step structure.
type WorkflowStore interface {
	Create(ctx context.Context, wf *repository.Workflow) error
	Get(ctx context.Context, entityID, id string) (*repository.Workflow, error)
	Update(ctx context.Context, wf *repository.Workflow) error
	SoftDelete(ctx context.Context, entityID, id string) error
	InsertStep(ctx context.Context, step *repository.ApprovalStep, approvers []repository.ApproverSpec) error
	DeleteStep(ctx context.Context, workflowID, stepID string) error
	ListSteps(ctx context.Context, workflowID string) ([]repository.StepWithApprovers, error)
	// RenumberSteps applies a full stepID→sequence mapping atomically,
	// two-pass to avoid transient unique-constraint collisions.
	RenumberSteps(ctx context.Context, workflowID string, order map[string]int) error
}

// VersionStore manages immutable workflow version snapshots.
type VersionStore interface {
	// Append inserts a snapshot; when v.IsActive it deactivates all others
	// for the workflow in the same statement batch.
	Append(ctx context.Context, v *repository.WorkflowVersion) error
	Active(ctx context.Context, workflowID string) (*repository.WorkflowVersion, error)
	Get(ctx context.Context, workflowID string, version int) (*repository.WorkflowVersion, error)
	History(ctx context.Context, workflowID string) ([]*repository.WorkflowVersion, error)
}

// RequestStore manages approval requests and their votes.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	Get(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	// GetForUpdate takes a row lock; callers must be inside InTx.
	GetForUpdate(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	Update(ctx context.Context, req *repository.ApprovalRequest) error
	AddVote(ctx context.Context, vote *repository.ApprovalVote) error
	ListVotes(ctx context.Context, requestID, stepID string) ([]*repository.ApprovalVote, error)
	ClearVotes(ctx context.Context, requestID string, stepIDs []string) error
	ListAwaiting(ctx context.Context, entityID string) ([]*repository.ApprovalRequest, error)
	// ListAwaitingWithDeadline returns awaiting, not-held requests that have
	// a step deadline set, for the escalation sweeps.
	ListAwaitingWithDeadline(ctx context.Context) ([]*repository.ApprovalRequest, error)
}

// ActionStore appends and reads the immutable audit trail.
type ActionStore interface {
	Append(ctx context.Context, a *repository.ApprovalAction) error
	ListByRequest(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error)
}

// DelegationStore manages delegations of approval authority.
type DelegationStore interface {
	Create(ctx context.Context, d *repository.Delegation) error
	Get(ctx context.Context, id string) (*repository.Delegation, error)
	SetActive(ctx context.Context, id string, active bool) error
	// ActiveFrom returns active delegations redirecting userID's authority
	// whose window covers at.
	ActiveFrom(ctx context.Context, entityID, userID string, at time.Time) ([]*repository.Delegation, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
}

// ConditionStore manages routing conditions.
type ConditionStore interface {
	Create(ctx context.Context, c *repository.WorkflowCondition) error
	// ListFrom returns conditions leaving fromStepID (nil = submission
	// routing) ordered by descending priority.
	ListFrom(ctx context.Context, workflowID string, fromStepID *string) ([]*repository.WorkflowCondition, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*repository.WorkflowCondition, error)
}

// ParallelStore manages fork/join groups and per-request execution state.
type ParallelStore interface {
	CreateGroup(ctx context.Context, g *repository.ParallelStepGroup) error
	GetGroup(ctx context.Context, id string) (*repository.ParallelStepGroup, error)
	GroupByFork(ctx context.Context, workflowID, forkStepID string) (*repository.ParallelStepGroup, error)
	CreateState(ctx context.Context, st *repository.ParallelExecutionState) error
	GetStateForUpdate(ctx context.Context, requestID, groupID string) (*repository.ParallelExecutionState, error)
	// ActiveState returns the pending execution state for a request, or nil.
	ActiveState(ctx context.Context, requestID string) (*repository.ParallelExecutionState, error)
	UpdateState(ctx context.Context, st *repository.ParallelExecutionState) error
	// CompleteState flips pending→completed and reports whether this call
	// performed the flip. The compare-and-set is the join guard.
	CompleteState(ctx context.Context, stateID string) (bool, error)
	// DeleteStatesForRequest removes every execution state of a request so a
	// replay (resubmit, send-back) can re-activate its groups.
	DeleteStatesForRequest(ctx context.Context, requestID string) error
}

// DynamicStore manages modification rules and per-request deltas.
type DynamicStore interface {
	CreateRule(ctx context.Context, r *repository.WorkflowModificationRule) error
	ListRules(ctx context.Context, workflowID string, ruleType repository.ModificationRuleType) ([]*repository.WorkflowModificationRule, error)
	AppendModification(ctx context.Context, m *repository.DynamicStepModification) error
	ListModifications(ctx context.Context, requestID string) ([]*repository.DynamicStepModification, error)
	AppendAssignment(ctx context.Context, a *repository.DynamicApproverAssignment) error
	ListAssignments(ctx context.Context, requestID string) ([]*repository.DynamicApproverAssignment, error)
}

// EscalationStore appends escalation/reminder records and answers the
// idempotency guard.
type EscalationStore interface {
	Append(ctx context.Context, e *repository.ApprovalEscalation) error
	ExistsSince(ctx context.Context, requestID, stepID string, kind repository.EscalationKind, since time.Time) (bool, error)
}

// ── External collaborators ────────────────────────────────────────────────────

// IdentityProvider resolves organizational facts about users. The host
// application supplies the implementation.
type IdentityProvider interface {
	UsersWithRole(ctx context.Context, entityID, role string) ([]string, error)
	UsersWithPosition(ctx context.Context, entityID, position string) ([]string, error)
	ManagerOf(ctx context.Context, entityID, userID string) (string, error)
	DepartmentHeadOf(ctx context.Context, entityID, userID string) (string, error)
}

// RecordProvider fetches the business record's field values at submission
// time. The result is snapshotted onto the request and never re-fetched.
type RecordProvider interface {
	Fetch(ctx context.Context, entityID, modelType, modelID string) (map[string]any, error)
}

// CustomResolverFunc is a host-registered approver resolver.
type CustomResolverFunc func(ctx context.Context, req *repository.ApprovalRequest) ([]string, error)
