package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/events"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func newWorkflowService() (*WorkflowService, *memDB, *memSink) {
	db := newMemDB()
	sink := &memSink{}
	return NewWorkflowService(db, NewWeightageCalculator(), sink, zerolog.Nop()), db, sink
}

func draftStep(seq int, users ...string) repository.StepWithApprovers {
	sw := repository.StepWithApprovers{
		Step: repository.ApprovalStep{Name: "Review", Sequence: seq},
	}
	for _, u := range users {
		u := u
		sw.Approvers = append(sw.Approvers, repository.ApproverSpec{Kind: repository.ApproverUser, SubjectID: &u})
	}
	return sw
}

func TestCreateWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("creates steps and an active version 1 snapshot", func(t *testing.T) {
		svc, db, sink := newWorkflowService()

		wf, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{
			EntityID:  "ent1",
			Name:      "PO approvals",
			ModelType: "purchase_order",
			Steps: []repository.StepWithApprovers{
				draftStep(1, "mgr1"),
				draftStep(2, "fin1"),
			},
			ActorID: "admin1",
		})
		require.NoError(t, err)
		assert.True(t, wf.IsActive)
		assert.Equal(t, 1, wf.Version)

		steps, err := db.Stores().Workflows().ListSteps(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, repository.ApprovalTypeSerial, steps[0].Step.ApprovalType)
		assert.Equal(t, repository.ExecutionSequential, steps[0].Step.ExecutionType)
		assert.True(t, steps[0].Step.MinApprovalPercent.Equal(decimal.NewFromInt(100)))
		require.Len(t, steps[0].Approvers, 1)
		assert.Equal(t, 100, steps[0].Approvers[0].Weight)

		version, err := db.Stores().Versions().Active(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, version.Version)
		assert.Equal(t, repository.VersionCreated, version.ChangeType)
		assert.Len(t, version.Snapshot.Steps, 2)

		require.Len(t, sink.published, 1)
		assert.Equal(t, events.TypeWorkflowUpdated, sink.published[0].Type)
	})

	invalid := []struct {
		name string
		in   CreateWorkflowInput
	}{
		{
			name: "missing name",
			in:   CreateWorkflowInput{EntityID: "ent1", ModelType: "purchase_order", Steps: []repository.StepWithApprovers{draftStep(1, "mgr1")}},
		},
		{
			name: "missing model type",
			in:   CreateWorkflowInput{EntityID: "ent1", Name: "x", Steps: []repository.StepWithApprovers{draftStep(1, "mgr1")}},
		},
		{
			name: "no steps",
			in:   CreateWorkflowInput{EntityID: "ent1", Name: "x", ModelType: "purchase_order"},
		},
		{
			name: "duplicate sequence",
			in: CreateWorkflowInput{EntityID: "ent1", Name: "x", ModelType: "purchase_order",
				Steps: []repository.StepWithApprovers{draftStep(1, "mgr1"), draftStep(1, "fin1")}},
		},
		{
			name: "sequence below one",
			in: CreateWorkflowInput{EntityID: "ent1", Name: "x", ModelType: "purchase_order",
				Steps: []repository.StepWithApprovers{draftStep(0, "mgr1")}},
		},
		{
			name: "step without approvers",
			in: CreateWorkflowInput{EntityID: "ent1", Name: "x", ModelType: "purchase_order",
				Steps: []repository.StepWithApprovers{draftStep(1)}},
		},
		{
			name: "threshold above 100",
			in: CreateWorkflowInput{EntityID: "ent1", Name: "x", ModelType: "purchase_order",
				Steps: []repository.StepWithApprovers{{
					Step:      repository.ApprovalStep{Name: "Review", Sequence: 1, MinApprovalPercent: decimal.NewFromInt(150)},
					Approvers: draftStep(1, "mgr1").Approvers,
				}}},
		},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newWorkflowService()
			_, err := svc.CreateWorkflow(ctx, tt.in)
			assert.True(t, apperr.IsCode(err, apperr.ErrCodeInvalidInput))
		})
	}
}

func TestDeactivateWorkflow(t *testing.T) {
	ctx := context.Background()
	svc, db, sink := newWorkflowService()

	wf, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{
		EntityID:  "ent1",
		Name:      "PO approvals",
		ModelType: "purchase_order",
		Steps:     []repository.StepWithApprovers{draftStep(1, "mgr1")},
		ActorID:   "admin1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, "ent1", wf.ID, "admin1"))

	got, err := db.Stores().Workflows().Get(ctx, "ent1", wf.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Len(t, sink.published, 2)

	err = svc.Deactivate(ctx, "ent1", "no-such-workflow", "admin1")
	assert.True(t, apperr.IsCode(err, apperr.ErrCodeNotFound))
}

func TestAddCondition(t *testing.T) {
	ctx := context.Background()

	valid := repository.WorkflowCondition{
		WorkflowID: "wf1",
		EntityID:   "ent1",
		ToStepID:   "step2",
		Clauses:    []repository.ConditionClause{{Field: "amount", Operator: repository.OpGt, Value: float64(1000)}},
	}

	t.Run("defaults logic op and id", func(t *testing.T) {
		svc, db, _ := newWorkflowService()
		cond := valid
		require.NoError(t, svc.AddCondition(ctx, &cond))
		assert.Equal(t, repository.LogicAnd, cond.LogicOp)
		assert.NotEmpty(t, cond.ID)

		stored, err := db.Stores().Conditions().ListByWorkflow(ctx, "wf1")
		require.NoError(t, err)
		assert.Len(t, stored, 1)
	})

	tests := []struct {
		name   string
		mutate func(c *repository.WorkflowCondition)
	}{
		{"missing target step", func(c *repository.WorkflowCondition) { c.ToStepID = "" }},
		{"no clauses", func(c *repository.WorkflowCondition) { c.Clauses = nil }},
		{"clause without field", func(c *repository.WorkflowCondition) {
			c.Clauses = []repository.ConditionClause{{Operator: repository.OpEq, Value: "x"}}
		}},
		{"in clause with scalar value", func(c *repository.WorkflowCondition) {
			c.Clauses = []repository.ConditionClause{{Field: "currency", Operator: repository.OpIn, Value: "USD"}}
		}},
		{"between clause with one bound", func(c *repository.WorkflowCondition) {
			c.Clauses = []repository.ConditionClause{{Field: "amount", Operator: repository.OpBetween, Value: []any{float64(1)}}}
		}},
		{"unknown operator", func(c *repository.WorkflowCondition) {
			c.Clauses = []repository.ConditionClause{{Field: "amount", Operator: "regex", Value: ".*"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newWorkflowService()
			cond := valid
			tt.mutate(&cond)
			err := svc.AddCondition(ctx, &cond)
			assert.True(t, apperr.IsCode(err, apperr.ErrCodeInvalidInput))
		})
	}
}

func TestAddModificationRule(t *testing.T) {
	ctx := context.Background()

	t.Run("stores an active rule", func(t *testing.T) {
		svc, db, _ := newWorkflowService()
		rule := repository.WorkflowModificationRule{
			WorkflowID: "wf1",
			EntityID:   "ent1",
			RuleType:   repository.RuleAllowStepAddition,
		}
		require.NoError(t, svc.AddModificationRule(ctx, &rule))
		assert.True(t, rule.IsActive)
		assert.NotEmpty(t, rule.ID)

		stored, err := db.Stores().Dynamic().ListRules(ctx, "wf1", repository.RuleAllowStepAddition)
		require.NoError(t, err)
		assert.Len(t, stored, 1)
	})

	t.Run("unknown rule type", func(t *testing.T) {
		svc, _, _ := newWorkflowService()
		err := svc.AddModificationRule(ctx, &repository.WorkflowModificationRule{RuleType: "allow_anything"})
		assert.True(t, apperr.IsCode(err, apperr.ErrCodeInvalidInput))
	})

	t.Run("malformed clause", func(t *testing.T) {
		svc, _, _ := newWorkflowService()
		err := svc.AddModificationRule(ctx, &repository.WorkflowModificationRule{
			RuleType: repository.RuleAllowStepRemoval,
			Clauses:  []repository.ConditionClause{{Field: "amount", Operator: repository.OpIn, Value: "x"}},
		})
		assert.True(t, apperr.IsCode(err, apperr.ErrCodeInvalidInput))
	})
}

func TestValidateWeightage(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newWorkflowService()

	step := repository.ApprovalStep{
		ID:                 "s1",
		WorkflowID:         "wf1",
		Name:               "Board",
		Sequence:           1,
		MinApprovalPercent: decimal.NewFromInt(100),
	}
	specs := []repository.ApproverSpec{
		{ID: "a", StepID: "s1", Weight: 100},
		{ID: "b", StepID: "s1", Weight: 0},
	}
	require.NoError(t, db.Stores().Workflows().InsertStep(ctx, &step, specs))

	findings, err := svc.ValidateWeightage(ctx, "wf1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0], "single approver carries the entire weight")
}
