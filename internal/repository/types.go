package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enumerations ──────────────────────────────────────────────────────────────

// RequestStatus is the lifecycle status of an approval request.
type RequestStatus string

const (
	StatusDraft     RequestStatus = "draft"
	StatusSubmitted RequestStatus = "submitted"
	StatusInReview  RequestStatus = "in_review"
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
	StatusArchived  RequestStatus = "archived"
)

// Terminal reports whether the status admits no further approval actions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// Awaiting reports whether the request is waiting for approver action.
func (s RequestStatus) Awaiting() bool {
	switch s {
	case StatusSubmitted, StatusInReview, StatusPending:
		return true
	}
	return false
}

// StepApprovalType controls how a step's approvals accumulate.
type StepApprovalType string

const (
	ApprovalTypeSerial   StepApprovalType = "serial"   // weighted threshold
	ApprovalTypeParallel StepApprovalType = "parallel" // weighted threshold, approvers act in any order
	ApprovalTypeAnyOne   StepApprovalType = "any_one"  // first approval completes the step
)

// StepExecutionType controls step topology.
type StepExecutionType string

const (
	ExecutionSequential StepExecutionType = "sequential"
	ExecutionParallel   StepExecutionType = "parallel" // member of a parallel group
	ExecutionFork       StepExecutionType = "fork"
	ExecutionJoin       StepExecutionType = "join"
)

// ApproverKind tags an approver specification variant.
type ApproverKind string

const (
	ApproverUser           ApproverKind = "user"
	ApproverRole           ApproverKind = "role"
	ApproverManager        ApproverKind = "manager"
	ApproverDepartmentHead ApproverKind = "department_head"
	ApproverPosition       ApproverKind = "position"
	ApproverCustom         ApproverKind = "custom"
)

// ActionType is the kind of an audit action entry.
type ActionType string

const (
	ActionSubmitted   ActionType = "submitted"
	ActionApproved    ActionType = "approved"
	ActionRejected    ActionType = "rejected"
	ActionSentBack    ActionType = "sent_back"
	ActionHeld        ActionType = "held"
	ActionResumed     ActionType = "resumed"
	ActionCancelled   ActionType = "cancelled"
	ActionResubmitted ActionType = "resubmitted"
	ActionArchived    ActionType = "archived"
	ActionEscalated   ActionType = "escalated"
	ActionDelegated   ActionType = "delegated"
	ActionStepAdded   ActionType = "step_added"
	ActionStepRemoved ActionType = "step_removed"
	ActionStepSkipped ActionType = "step_skipped"
	ActionReassigned  ActionType = "approver_reassigned"
)

// VoteDecision is the per-approver outcome recorded for one step of one request.
type VoteDecision string

const (
	VoteApproved VoteDecision = "approved"
	VoteRejected VoteDecision = "rejected"
)

// SyncType is a parallel group's join synchronization policy.
type SyncType string

const (
	SyncAll      SyncType = "all"
	SyncAny      SyncType = "any"
	SyncMajority SyncType = "majority"
	SyncCustom   SyncType = "custom"
)

// DelegationType classifies a delegation of approval authority.
type DelegationType string

const (
	DelegationTemporary DelegationType = "temporary"
	DelegationPermanent DelegationType = "permanent"
	DelegationEmergency DelegationType = "emergency"
)

// EscalationStrategy selects what to do when a step breaches its SLA.
type EscalationStrategy string

const (
	EscalateReassign EscalationStrategy = "reassign"
	EscalateNotify   EscalationStrategy = "notify"
	EscalateCustom   EscalationStrategy = "custom"
)

// EscalationKind distinguishes escalations from reminders and stuck flags.
type EscalationKind string

const (
	EscalationOverdue  EscalationKind = "overdue"
	EscalationReminder EscalationKind = "reminder"
	EscalationStuck    EscalationKind = "stuck"
)

// LogicOperator combines clauses within a condition group.
type LogicOperator string

const (
	LogicAnd LogicOperator = "and"
	LogicOr  LogicOperator = "or"
)

// ConditionOperator is one of the bounded comparison operators.
type ConditionOperator string

const (
	OpEq          ConditionOperator = "="
	OpNeq         ConditionOperator = "!="
	OpGt          ConditionOperator = ">"
	OpGte         ConditionOperator = ">="
	OpLt          ConditionOperator = "<"
	OpLte         ConditionOperator = "<="
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
	OpBetween     ConditionOperator = "between"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpStartsWith  ConditionOperator = "starts_with"
	OpEndsWith    ConditionOperator = "ends_with"
	OpIsNull      ConditionOperator = "is_null"
	OpIsNotNull   ConditionOperator = "is_not_null"
)

// ModificationRuleType gates one category of in-flight workflow change.
type ModificationRuleType string

const (
	RuleAllowStepAddition   ModificationRuleType = "allow_step_addition"
	RuleAllowStepRemoval    ModificationRuleType = "allow_step_removal"
	RuleAllowApproverChange ModificationRuleType = "allow_approver_change"
	RuleAllowReordering     ModificationRuleType = "allow_reordering"
)

// ModificationKind is the kind of a request-scoped step delta.
type ModificationKind string

const (
	ModStepAdded   ModificationKind = "step_added"
	ModStepRemoved ModificationKind = "step_removed"
	ModStepSkipped ModificationKind = "step_skipped"
)

// VersionChangeType tags why a workflow version snapshot was taken.
type VersionChangeType string

const (
	VersionCreated        VersionChangeType = "created"
	VersionStepAdded      VersionChangeType = "step_added"
	VersionStepRemoved    VersionChangeType = "step_removed"
	VersionStepsReordered VersionChangeType = "steps_reordered"
	VersionRollback       VersionChangeType = "rollback"
)

// ── Template side (immutable once published) ──────────────────────────────────

// Workflow is a named, versioned approval template bound to one record type.
type Workflow struct {
	ID          string
	EntityID    string
	Name        string
	Description *string
	ModelType   string // business record type this template applies to
	IsActive    bool
	Version     int // currently active version number
	Config      map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApprovalStep is one stage of a workflow template.
// (workflow_id, sequence) is unique.
type ApprovalStep struct {
	ID                    string
	WorkflowID            string
	EntityID              string
	Name                  string
	Sequence              int
	ApprovalType          StepApprovalType
	ExecutionType         StepExecutionType
	ParallelGroupID       *string
	SLAHours              *int
	EscalationStrategy    EscalationStrategy
	AllowsDelegation      bool
	AllowsPartialApproval bool
	MinApprovalPercent    decimal.Decimal // 0–100, default 100
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ApproverSpec is an abstract "who may approve" entry on a step template.
// SubjectID holds the user id, role name, position name, or custom resolver
// name depending on Kind; it is nil for manager and department_head.
type ApproverSpec struct {
	ID        string
	StepID    string
	Kind      ApproverKind
	SubjectID *string
	Weight    int // voting weight 0–100, default 100
	CreatedAt time.Time
}

// StepWithApprovers bundles a step and its approver specs, as snapshotted.
type StepWithApprovers struct {
	Step      ApprovalStep   `json:"step"`
	Approvers []ApproverSpec `json:"approvers"`
}

// WorkflowSnapshot is the full structural state captured in a version.
type WorkflowSnapshot struct {
	Workflow Workflow            `json:"workflow"`
	Steps    []StepWithApprovers `json:"steps"`
}

// WorkflowVersion is an immutable snapshot taken at each structural change.
// Exactly one version is active per workflow at a time.
type WorkflowVersion struct {
	ID         string
	WorkflowID string
	EntityID   string
	Version    int
	ChangeType VersionChangeType
	IsActive   bool
	Snapshot   WorkflowSnapshot
	CreatedBy  string
	CreatedAt  time.Time
}

// WorkflowCondition routes a request leaving FromStepID. Clauses are combined
// with LogicOp; rows for the same from-step evaluate in descending priority and
// the first match wins. A nil FromStepID routes the initial step on submission.
type WorkflowCondition struct {
	ID         string
	WorkflowID string
	EntityID   string
	FromStepID *string
	ToStepID   string
	Priority   int
	LogicOp    LogicOperator
	Clauses    []ConditionClause
	CreatedAt  time.Time
}

// ConditionClause is one field/operator/value comparison.
type ConditionClause struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// ParallelStepGroup declares a fork/join region of a workflow.
type ParallelStepGroup struct {
	ID                string
	WorkflowID        string
	EntityID          string
	Name              string
	ForkStepID        string
	JoinStepID        string
	SyncType          SyncType
	RequiredApprovals int // used by SyncCustom
	CreatedAt         time.Time
}

// WorkflowModificationRule gates one category of dynamic modification.
// Clauses (against the request's data snapshot) control when the rule applies.
type WorkflowModificationRule struct {
	ID               string
	WorkflowID       string
	EntityID         string
	RuleType         ModificationRuleType
	IsActive         bool
	LogicOp          LogicOperator
	Clauses          []ConditionClause
	RequiresApproval bool
	Restrictions     map[string]any
	CreatedAt        time.Time
}

// ── Execution side (request-scoped) ──────────────────────────────────────────

// ApprovalRequest is one record instance moving through one workflow version.
type ApprovalRequest struct {
	ID              string
	EntityID        string
	WorkflowID      string
	WorkflowVersion int
	CurrentStepID   *string // nil in draft, terminal states, and while forked
	ModelType       string
	ModelID         string
	RequesterID     string
	Status          RequestStatus
	DataSnapshot    map[string]any  // immutable copy taken at submission
	ApprovalPercent decimal.Decimal // breakdown of the current step
	OnHold          bool
	HeldAt          *time.Time
	StepEnteredAt   *time.Time
	StepDueAt       *time.Time // StepEnteredAt + current step SLA
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
	RejectedAt      *time.Time
	RejectionReason *string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApprovalVote is one approver's recorded decision for one step of one request.
// Votes are request-scoped facts; the template is never mutated.
type ApprovalVote struct {
	ID           string
	RequestID    string
	StepID       string
	SpecID       string
	UserID       string
	Decision     VoteDecision
	WeightAtTime int
	DecidedAt    time.Time
}

// ApprovalAction is one immutable audit record of a lifecycle action.
type ApprovalAction struct {
	ID          string
	RequestID   string
	StepID      *string
	EntityID    string
	Action      ActionType
	PerformedBy string
	Remarks     *string
	IPAddress   *string
	Metadata    map[string]any
	PerformedAt time.Time
}

// Delegation redirects approval authority from one user to another for a time
// window, optionally scoped to a step, module, or role.
type Delegation struct {
	ID         string
	EntityID   string
	FromUserID string
	ToUserID   string
	Type       DelegationType
	StepID     *string
	Module     *string
	Role       *string
	StartsAt   time.Time
	EndsAt     *time.Time // nil = permanent
	IsActive   bool
	Reason     *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ParallelExecutionState tracks one request's progress through a group.
// Status flips pending → completed exactly once; that transition is the join
// guard.
type ParallelExecutionState struct {
	ID             string
	RequestID      string
	GroupID        string
	Status         string // pending | completed
	TotalSteps     int
	CompletedSteps int
	StepStatus     map[string]string // step id → pending | completed | moot
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// DynamicStepModification is a request-scoped step delta. The workflow
// template is never mutated; deltas overlay the version snapshot.
type DynamicStepModification struct {
	ID        string
	RequestID string
	EntityID  string
	Kind      ModificationKind
	StepID    *string            // target of remove/skip
	AddedStep *StepWithApprovers // payload of step_added
	Reason    *string
	CreatedBy string
	CreatedAt time.Time
}

// DynamicApproverAssignment replaces or adds an approver for one request only.
type DynamicApproverAssignment struct {
	ID             string
	RequestID      string
	EntityID       string
	StepID         string
	ReplacesSpecID *string // nil = additional approver
	Kind           ApproverKind
	SubjectID      *string
	Weight         int
	Reason         *string
	CreatedBy      string
	CreatedAt      time.Time
}

// ApprovalEscalation records one escalation, reminder, or stuck flag. Its
// existence per (request, step, kind) window is the idempotency guard.
type ApprovalEscalation struct {
	ID          string
	RequestID   string
	StepID      string
	EntityID    string
	Kind        EscalationKind
	Strategy    EscalationStrategy
	EscalatedTo *string
	Notes       *string
	CreatedAt   time.Time
}
