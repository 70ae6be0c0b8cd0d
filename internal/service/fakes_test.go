package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/events"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// memStores is a map-backed Stores implementation. It mimics the constraint
// behavior of the pgx repositories (unique violations, row locks are no-ops,
// nil-on-no-rows where the interface documents it) closely enough for the
// service logic to be exercised without a database.
type memStores struct {
	workflows   map[string]*repository.Workflow
	steps       map[string][]repository.StepWithApprovers
	versions    []*repository.WorkflowVersion
	requests    map[string]*repository.ApprovalRequest
	votes       []*repository.ApprovalVote
	actions     []*repository.ApprovalAction
	delegations map[string]*repository.Delegation
	conditions  []*repository.WorkflowCondition
	groups      map[string]*repository.ParallelStepGroup
	states      map[string]*repository.ParallelExecutionState
	rules       []*repository.WorkflowModificationRule
	mods        []*repository.DynamicStepModification
	assignments []*repository.DynamicApproverAssignment
	escalations []*repository.ApprovalEscalation
}

func newMemStores() *memStores {
	return &memStores{
		workflows:   make(map[string]*repository.Workflow),
		steps:       make(map[string][]repository.StepWithApprovers),
		requests:    make(map[string]*repository.ApprovalRequest),
		delegations: make(map[string]*repository.Delegation),
		groups:      make(map[string]*repository.ParallelStepGroup),
		states:      make(map[string]*repository.ParallelExecutionState),
	}
}

func (s *memStores) Workflows() WorkflowStore     { return memWorkflows{s} }
func (s *memStores) Versions() VersionStore       { return memVersions{s} }
func (s *memStores) Requests() RequestStore       { return memRequests{s} }
func (s *memStores) Actions() ActionStore         { return memActions{s} }
func (s *memStores) Delegations() DelegationStore { return memDelegations{s} }
func (s *memStores) Conditions() ConditionStore   { return memConditions{s} }
func (s *memStores) Parallel() ParallelStore      { return memParallel{s} }
func (s *memStores) Dynamic() DynamicStore        { return memDynamic{s} }
func (s *memStores) Escalations() EscalationStore { return memEscalations{s} }

// memDB runs InTx callbacks directly against the shared stores. No rollback:
// the tests assert on visible end state only.
type memDB struct{ s *memStores }

func newMemDB() *memDB { return &memDB{s: newMemStores()} }

func (d *memDB) Stores() Stores { return d.s }

func (d *memDB) InTx(_ context.Context, fn func(s Stores) error) error { return fn(d.s) }

// ── workflows ─────────────────────────────────────────────────────────────────

type memWorkflows struct{ m *memStores }

func (w memWorkflows) Create(_ context.Context, wf *repository.Workflow) error {
	cp := *wf
	w.m.workflows[wf.ID] = &cp
	return nil
}

func (w memWorkflows) Get(_ context.Context, entityID, id string) (*repository.Workflow, error) {
	wf, ok := w.m.workflows[id]
	if !ok || wf.EntityID != entityID {
		return nil, apperr.NotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (w memWorkflows) Update(_ context.Context, wf *repository.Workflow) error {
	if _, ok := w.m.workflows[wf.ID]; !ok {
		return apperr.NotFound("workflow", wf.ID)
	}
	cp := *wf
	w.m.workflows[wf.ID] = &cp
	return nil
}

func (w memWorkflows) SoftDelete(_ context.Context, entityID, id string) error {
	wf, ok := w.m.workflows[id]
	if !ok || wf.EntityID != entityID {
		return apperr.NotFound("workflow", id)
	}
	wf.IsActive = false
	return nil
}

func (w memWorkflows) InsertStep(_ context.Context, step *repository.ApprovalStep, approvers []repository.ApproverSpec) error {
	for _, sw := range w.m.steps[step.WorkflowID] {
		if sw.Step.Sequence == step.Sequence {
			return apperr.Conflict("a step with this sequence already exists")
		}
	}
	w.m.steps[step.WorkflowID] = append(w.m.steps[step.WorkflowID], repository.StepWithApprovers{
		Step:      *step,
		Approvers: append([]repository.ApproverSpec(nil), approvers...),
	})
	return nil
}

func (w memWorkflows) DeleteStep(_ context.Context, workflowID, stepID string) error {
	steps := w.m.steps[workflowID]
	for i, sw := range steps {
		if sw.Step.ID == stepID {
			w.m.steps[workflowID] = append(steps[:i], steps[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("step", stepID)
}

func (w memWorkflows) ListSteps(_ context.Context, workflowID string) ([]repository.StepWithApprovers, error) {
	out := append([]repository.StepWithApprovers(nil), w.m.steps[workflowID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step.Sequence < out[j].Step.Sequence })
	return out, nil
}

func (w memWorkflows) RenumberSteps(_ context.Context, workflowID string, order map[string]int) error {
	steps := w.m.steps[workflowID]
	for stepID, seq := range order {
		found := false
		for i := range steps {
			if steps[i].Step.ID == stepID {
				steps[i].Step.Sequence = seq
				found = true
				break
			}
		}
		if !found {
			return apperr.NotFound("step", stepID)
		}
	}
	return nil
}

// ── versions ──────────────────────────────────────────────────────────────────

type memVersions struct{ m *memStores }

func (v memVersions) Append(_ context.Context, ver *repository.WorkflowVersion) error {
	for _, existing := range v.m.versions {
		if existing.WorkflowID == ver.WorkflowID && existing.Version == ver.Version {
			return apperr.Newf(apperr.ErrCodeConflict, "version %d already exists", ver.Version)
		}
	}
	if ver.IsActive {
		for _, existing := range v.m.versions {
			if existing.WorkflowID == ver.WorkflowID {
				existing.IsActive = false
			}
		}
	}
	cp := *ver
	v.m.versions = append(v.m.versions, &cp)
	return nil
}

func (v memVersions) Active(_ context.Context, workflowID string) (*repository.WorkflowVersion, error) {
	for _, ver := range v.m.versions {
		if ver.WorkflowID == workflowID && ver.IsActive {
			cp := *ver
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("active workflow version", workflowID)
}

func (v memVersions) Get(_ context.Context, workflowID string, version int) (*repository.WorkflowVersion, error) {
	for _, ver := range v.m.versions {
		if ver.WorkflowID == workflowID && ver.Version == version {
			cp := *ver
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("workflow version", workflowID)
}

func (v memVersions) History(_ context.Context, workflowID string) ([]*repository.WorkflowVersion, error) {
	var out []*repository.WorkflowVersion
	for _, ver := range v.m.versions {
		if ver.WorkflowID == workflowID {
			cp := *ver
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// ── requests ──────────────────────────────────────────────────────────────────

type memRequests struct{ m *memStores }

func (r memRequests) Create(_ context.Context, req *repository.ApprovalRequest) error {
	if _, ok := r.m.requests[req.ID]; ok {
		return apperr.Conflict("request already exists")
	}
	cp := *req
	r.m.requests[req.ID] = &cp
	return nil
}

func (r memRequests) Get(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	req, ok := r.m.requests[id]
	if !ok {
		return nil, apperr.NotFound("approval request", id)
	}
	cp := *req
	return &cp, nil
}

func (r memRequests) GetForUpdate(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return r.Get(ctx, id)
}

func (r memRequests) Update(_ context.Context, req *repository.ApprovalRequest) error {
	if _, ok := r.m.requests[req.ID]; !ok {
		return apperr.NotFound("approval request", req.ID)
	}
	cp := *req
	r.m.requests[req.ID] = &cp
	return nil
}

func (r memRequests) AddVote(_ context.Context, vote *repository.ApprovalVote) error {
	for _, v := range r.m.votes {
		if v.RequestID == vote.RequestID && v.StepID == vote.StepID && v.UserID == vote.UserID {
			return apperr.Conflict("user has already voted on this step")
		}
	}
	cp := *vote
	r.m.votes = append(r.m.votes, &cp)
	return nil
}

func (r memRequests) ListVotes(_ context.Context, requestID, stepID string) ([]*repository.ApprovalVote, error) {
	var out []*repository.ApprovalVote
	for _, v := range r.m.votes {
		if v.RequestID == requestID && v.StepID == stepID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memRequests) ClearVotes(_ context.Context, requestID string, stepIDs []string) error {
	if len(stepIDs) == 0 {
		return nil
	}
	clear := make(map[string]struct{}, len(stepIDs))
	for _, id := range stepIDs {
		clear[id] = struct{}{}
	}
	kept := r.m.votes[:0]
	for _, v := range r.m.votes {
		if _, drop := clear[v.StepID]; drop && v.RequestID == requestID {
			continue
		}
		kept = append(kept, v)
	}
	r.m.votes = kept
	return nil
}

func (r memRequests) ListAwaiting(_ context.Context, entityID string) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range r.m.requests {
		if req.EntityID == entityID && req.Status.Awaiting() && !req.OnHold {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memRequests) ListAwaitingWithDeadline(_ context.Context) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range r.m.requests {
		if req.Status.Awaiting() && !req.OnHold && req.StepDueAt != nil {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── actions ───────────────────────────────────────────────────────────────────

type memActions struct{ m *memStores }

func (a memActions) Append(_ context.Context, action *repository.ApprovalAction) error {
	cp := *action
	if cp.PerformedAt.IsZero() {
		cp.PerformedAt = time.Now().UTC()
	}
	a.m.actions = append(a.m.actions, &cp)
	return nil
}

func (a memActions) ListByRequest(_ context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	var out []*repository.ApprovalAction
	for _, act := range a.m.actions {
		if act.RequestID == requestID {
			cp := *act
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── delegations ───────────────────────────────────────────────────────────────

type memDelegations struct{ m *memStores }

func (d memDelegations) Create(_ context.Context, del *repository.Delegation) error {
	cp := *del
	d.m.delegations[del.ID] = &cp
	return nil
}

func (d memDelegations) Get(_ context.Context, id string) (*repository.Delegation, error) {
	del, ok := d.m.delegations[id]
	if !ok {
		return nil, apperr.NotFound("delegation", id)
	}
	cp := *del
	return &cp, nil
}

func (d memDelegations) SetActive(_ context.Context, id string, active bool) error {
	del, ok := d.m.delegations[id]
	if !ok {
		return apperr.NotFound("delegation", id)
	}
	del.IsActive = active
	return nil
}

func (d memDelegations) ActiveFrom(_ context.Context, entityID, userID string, at time.Time) ([]*repository.Delegation, error) {
	var out []*repository.Delegation
	for _, del := range d.m.delegations {
		if del.EntityID != entityID || del.FromUserID != userID || !del.IsActive {
			continue
		}
		if del.StartsAt.After(at) {
			continue
		}
		if del.EndsAt != nil && !del.EndsAt.After(at) {
			continue
		}
		cp := *del
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d memDelegations) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	for _, del := range d.m.delegations {
		if del.IsActive && del.EndsAt != nil && !del.EndsAt.After(now) {
			del.IsActive = false
			n++
		}
	}
	return n, nil
}

// ── conditions ────────────────────────────────────────────────────────────────

type memConditions struct{ m *memStores }

func (c memConditions) Create(_ context.Context, cond *repository.WorkflowCondition) error {
	cp := *cond
	c.m.conditions = append(c.m.conditions, &cp)
	return nil
}

func (c memConditions) ListFrom(_ context.Context, workflowID string, fromStepID *string) ([]*repository.WorkflowCondition, error) {
	var out []*repository.WorkflowCondition
	for _, cond := range c.m.conditions {
		if cond.WorkflowID != workflowID {
			continue
		}
		switch {
		case fromStepID == nil && cond.FromStepID == nil:
		case fromStepID != nil && cond.FromStepID != nil && *fromStepID == *cond.FromStepID:
		default:
			continue
		}
		cp := *cond
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (c memConditions) ListByWorkflow(_ context.Context, workflowID string) ([]*repository.WorkflowCondition, error) {
	var out []*repository.WorkflowCondition
	for _, cond := range c.m.conditions {
		if cond.WorkflowID == workflowID {
			cp := *cond
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── parallel ──────────────────────────────────────────────────────────────────

type memParallel struct{ m *memStores }

func (p memParallel) CreateGroup(_ context.Context, g *repository.ParallelStepGroup) error {
	cp := *g
	p.m.groups[g.ID] = &cp
	return nil
}

func (p memParallel) GetGroup(_ context.Context, id string) (*repository.ParallelStepGroup, error) {
	g, ok := p.m.groups[id]
	if !ok {
		return nil, apperr.NotFound("parallel group", id)
	}
	cp := *g
	return &cp, nil
}

func (p memParallel) GroupByFork(_ context.Context, workflowID, forkStepID string) (*repository.ParallelStepGroup, error) {
	for _, g := range p.m.groups {
		if g.WorkflowID == workflowID && g.ForkStepID == forkStepID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (p memParallel) CreateState(_ context.Context, st *repository.ParallelExecutionState) error {
	for _, existing := range p.m.states {
		if existing.RequestID == st.RequestID && existing.GroupID == st.GroupID {
			return apperr.Conflict("execution state already exists for this group")
		}
	}
	p.m.states[st.ID] = copyState(st)
	return nil
}

func (p memParallel) GetStateForUpdate(_ context.Context, requestID, groupID string) (*repository.ParallelExecutionState, error) {
	for _, st := range p.m.states {
		if st.RequestID == requestID && st.GroupID == groupID {
			return copyState(st), nil
		}
	}
	return nil, apperr.NotFound("parallel execution state", requestID)
}

func (p memParallel) ActiveState(_ context.Context, requestID string) (*repository.ParallelExecutionState, error) {
	for _, st := range p.m.states {
		if st.RequestID == requestID && st.Status == "pending" {
			return copyState(st), nil
		}
	}
	return nil, nil
}

func (p memParallel) UpdateState(_ context.Context, st *repository.ParallelExecutionState) error {
	if _, ok := p.m.states[st.ID]; !ok {
		return apperr.NotFound("parallel execution state", st.ID)
	}
	p.m.states[st.ID] = copyState(st)
	return nil
}

func (p memParallel) CompleteState(_ context.Context, stateID string) (bool, error) {
	st, ok := p.m.states[stateID]
	if !ok {
		return false, apperr.NotFound("parallel execution state", stateID)
	}
	if st.Status != "pending" {
		return false, nil
	}
	st.Status = "completed"
	return true, nil
}

func (p memParallel) DeleteStatesForRequest(_ context.Context, requestID string) error {
	for id, st := range p.m.states {
		if st.RequestID == requestID {
			delete(p.m.states, id)
		}
	}
	return nil
}

func copyState(st *repository.ParallelExecutionState) *repository.ParallelExecutionState {
	cp := *st
	cp.StepStatus = make(map[string]string, len(st.StepStatus))
	for k, v := range st.StepStatus {
		cp.StepStatus[k] = v
	}
	return &cp
}

// ── dynamic ───────────────────────────────────────────────────────────────────

type memDynamic struct{ m *memStores }

func (d memDynamic) CreateRule(_ context.Context, r *repository.WorkflowModificationRule) error {
	cp := *r
	d.m.rules = append(d.m.rules, &cp)
	return nil
}

func (d memDynamic) ListRules(_ context.Context, workflowID string, ruleType repository.ModificationRuleType) ([]*repository.WorkflowModificationRule, error) {
	var out []*repository.WorkflowModificationRule
	for _, r := range d.m.rules {
		if r.WorkflowID == workflowID && r.RuleType == ruleType {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d memDynamic) AppendModification(_ context.Context, mod *repository.DynamicStepModification) error {
	cp := *mod
	d.m.mods = append(d.m.mods, &cp)
	return nil
}

func (d memDynamic) ListModifications(_ context.Context, requestID string) ([]*repository.DynamicStepModification, error) {
	var out []*repository.DynamicStepModification
	for _, mod := range d.m.mods {
		if mod.RequestID == requestID {
			cp := *mod
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d memDynamic) AppendAssignment(_ context.Context, a *repository.DynamicApproverAssignment) error {
	cp := *a
	d.m.assignments = append(d.m.assignments, &cp)
	return nil
}

func (d memDynamic) ListAssignments(_ context.Context, requestID string) ([]*repository.DynamicApproverAssignment, error) {
	var out []*repository.DynamicApproverAssignment
	for _, a := range d.m.assignments {
		if a.RequestID == requestID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── escalations ───────────────────────────────────────────────────────────────

type memEscalations struct{ m *memStores }

func (e memEscalations) Append(_ context.Context, esc *repository.ApprovalEscalation) error {
	cp := *esc
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	e.m.escalations = append(e.m.escalations, &cp)
	return nil
}

func (e memEscalations) ExistsSince(_ context.Context, requestID, stepID string, kind repository.EscalationKind, since time.Time) (bool, error) {
	for _, esc := range e.m.escalations {
		if esc.RequestID == requestID && esc.StepID == stepID && esc.Kind == kind && !esc.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// ── collaborators ─────────────────────────────────────────────────────────────

// fakeIdentity answers organizational lookups from fixed maps.
type fakeIdentity struct {
	roles     map[string][]string
	positions map[string][]string
	managers  map[string]string
	heads     map[string]string
}

func (f *fakeIdentity) UsersWithRole(_ context.Context, _, role string) ([]string, error) {
	return f.roles[role], nil
}

func (f *fakeIdentity) UsersWithPosition(_ context.Context, _, position string) ([]string, error) {
	return f.positions[position], nil
}

func (f *fakeIdentity) ManagerOf(_ context.Context, _, userID string) (string, error) {
	return f.managers[userID], nil
}

func (f *fakeIdentity) DepartmentHeadOf(_ context.Context, _, userID string) (string, error) {
	return f.heads[userID], nil
}

// fakeRecords serves one fixed snapshot for every fetch.
type fakeRecords struct {
	data map[string]any
	err  error
}

func (f *fakeRecords) Fetch(_ context.Context, _, _, _ string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

// memSink collects published events.
type memSink struct{ published []*events.Event }

func (s *memSink) Publish(_ context.Context, ev *events.Event) {
	if ev != nil {
		s.published = append(s.published, ev)
	}
}
