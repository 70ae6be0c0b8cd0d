package service

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

func TestEvaluateClause(t *testing.T) {
	eval := NewConditionEvaluator(zerolog.Nop())

	snapshot := map[string]any{
		"amount":   float64(15000),
		"currency": "USD",
		"urgent":   true,
		"tags":     []any{"capex", "hardware"},
		"vendor": map[string]any{
			"country": "DE",
			"rating":  float64(4),
		},
	}

	tests := []struct {
		name    string
		clause  repository.ConditionClause
		want    bool
		wantErr bool
	}{
		{
			name:   "eq number",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpEq, Value: float64(15000)},
			want:   true,
		},
		{
			name:   "eq numeric string coerces",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpEq, Value: "15000"},
			want:   true,
		},
		{
			name:   "neq string",
			clause: repository.ConditionClause{Field: "currency", Operator: repository.OpNeq, Value: "EUR"},
			want:   true,
		},
		{
			name:   "gt met",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpGt, Value: float64(10000)},
			want:   true,
		},
		{
			name:   "gt not met on equal",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpGt, Value: float64(15000)},
			want:   false,
		},
		{
			name:   "gte met on equal",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpGte, Value: float64(15000)},
			want:   true,
		},
		{
			name:   "lt false",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpLt, Value: float64(10000)},
			want:   false,
		},
		{
			name:   "lte met",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpLte, Value: float64(15000)},
			want:   true,
		},
		{
			name:   "in",
			clause: repository.ConditionClause{Field: "currency", Operator: repository.OpIn, Value: []any{"USD", "EUR"}},
			want:   true,
		},
		{
			name:   "not_in",
			clause: repository.ConditionClause{Field: "currency", Operator: repository.OpNotIn, Value: []any{"GBP", "EUR"}},
			want:   true,
		},
		{
			name:    "in with scalar value errors",
			clause:  repository.ConditionClause{Field: "currency", Operator: repository.OpIn, Value: "USD"},
			want:    false,
			wantErr: true,
		},
		{
			name:   "between inclusive bounds",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpBetween, Value: []any{float64(15000), float64(20000)}},
			want:   true,
		},
		{
			name:   "between outside",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpBetween, Value: []any{float64(20000), float64(30000)}},
			want:   false,
		},
		{
			name:    "between needs two bounds",
			clause:  repository.ConditionClause{Field: "amount", Operator: repository.OpBetween, Value: []any{float64(20000)}},
			want:    false,
			wantErr: true,
		},
		{
			name:   "contains substring",
			clause: repository.ConditionClause{Field: "currency", Operator: repository.OpContains, Value: "SD"},
			want:   true,
		},
		{
			name:   "contains slice element",
			clause: repository.ConditionClause{Field: "tags", Operator: repository.OpContains, Value: "capex"},
			want:   true,
		},
		{
			name:   "not_contains slice element",
			clause: repository.ConditionClause{Field: "tags", Operator: repository.OpNotContains, Value: "opex"},
			want:   true,
		},
		{
			name:   "starts_with",
			clause: repository.ConditionClause{Field: "currency", Operator: repository.OpStartsWith, Value: "US"},
			want:   true,
		},
		{
			name:   "ends_with",
			clause: repository.ConditionClause{Field: "currency", Operator: repository.OpEndsWith, Value: "SD"},
			want:   true,
		},
		{
			name:   "dot path into nested map",
			clause: repository.ConditionClause{Field: "vendor.country", Operator: repository.OpEq, Value: "DE"},
			want:   true,
		},
		{
			name:   "dot path number",
			clause: repository.ConditionClause{Field: "vendor.rating", Operator: repository.OpGte, Value: float64(3)},
			want:   true,
		},
		{
			name:   "is_null on missing field",
			clause: repository.ConditionClause{Field: "discount", Operator: repository.OpIsNull},
			want:   true,
		},
		{
			name:   "is_not_null on missing field",
			clause: repository.ConditionClause{Field: "discount", Operator: repository.OpIsNotNull},
			want:   false,
		},
		{
			name:   "is_not_null on present field",
			clause: repository.ConditionClause{Field: "amount", Operator: repository.OpIsNotNull},
			want:   true,
		},
		{
			name:   "relational against missing field is false",
			clause: repository.ConditionClause{Field: "discount", Operator: repository.OpGt, Value: float64(1)},
			want:   false,
		},
		{
			name:    "unknown operator errors",
			clause:  repository.ConditionClause{Field: "amount", Operator: "regex", Value: ".*"},
			want:    false,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateClause(tt.clause, snapshot)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition(t *testing.T) {
	eval := NewConditionEvaluator(zerolog.Nop())
	snapshot := map[string]any{"amount": float64(5000), "currency": "USD"}

	amountHigh := repository.ConditionClause{Field: "amount", Operator: repository.OpGt, Value: float64(10000)}
	amountLow := repository.ConditionClause{Field: "amount", Operator: repository.OpLt, Value: float64(10000)}
	isUSD := repository.ConditionClause{Field: "currency", Operator: repository.OpEq, Value: "USD"}
	malformed := repository.ConditionClause{Field: "currency", Operator: repository.OpIn, Value: "USD"}

	tests := []struct {
		name    string
		logicOp repository.LogicOperator
		clauses []repository.ConditionClause
		want    bool
	}{
		{"and all true", repository.LogicAnd, []repository.ConditionClause{amountLow, isUSD}, true},
		{"and one false", repository.LogicAnd, []repository.ConditionClause{amountHigh, isUSD}, false},
		{"unset logic op behaves as and", "", []repository.ConditionClause{amountLow, isUSD}, true},
		{"or one true", repository.LogicOr, []repository.ConditionClause{amountHigh, isUSD}, true},
		{"or none true", repository.LogicOr, []repository.ConditionClause{amountHigh}, false},
		{"no clauses never match", repository.LogicAnd, nil, false},
		{"and fails closed on malformed clause", repository.LogicAnd, []repository.ConditionClause{malformed, isUSD}, false},
		{"or skips malformed clause", repository.LogicOr, []repository.ConditionClause{malformed, isUSD}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &repository.WorkflowCondition{ID: "c1", LogicOp: tt.logicOp, Clauses: tt.clauses}
			assert.Equal(t, tt.want, eval.EvaluateCondition(cond, snapshot))
		})
	}
}

func TestNextStepID(t *testing.T) {
	eval := NewConditionEvaluator(zerolog.Nop())
	snapshot := map[string]any{"amount": float64(50000)}

	high := &repository.WorkflowCondition{
		ID:       "high",
		ToStepID: "step-cfo",
		Priority: 10,
		LogicOp:  repository.LogicAnd,
		Clauses:  []repository.ConditionClause{{Field: "amount", Operator: repository.OpGt, Value: float64(25000)}},
	}
	medium := &repository.WorkflowCondition{
		ID:       "medium",
		ToStepID: "step-finance",
		Priority: 5,
		LogicOp:  repository.LogicAnd,
		Clauses:  []repository.ConditionClause{{Field: "amount", Operator: repository.OpGt, Value: float64(10000)}},
	}

	t.Run("first match wins in given order", func(t *testing.T) {
		got := eval.NextStepID([]*repository.WorkflowCondition{high, medium}, snapshot)
		require.NotNil(t, got)
		assert.Equal(t, "step-cfo", *got)
	})

	t.Run("falls through past non-matching conditions", func(t *testing.T) {
		got := eval.NextStepID([]*repository.WorkflowCondition{high, medium}, map[string]any{"amount": float64(12000)})
		require.NotNil(t, got)
		assert.Equal(t, "step-finance", *got)
	})

	t.Run("nil when nothing matches", func(t *testing.T) {
		assert.Nil(t, eval.NextStepID([]*repository.WorkflowCondition{high, medium}, map[string]any{"amount": float64(100)}))
	})
}

func TestPossibleNextSteps(t *testing.T) {
	eval := NewConditionEvaluator(zerolog.Nop())
	conds := []*repository.WorkflowCondition{
		{ID: "a", ToStepID: "s2"},
		{ID: "b", ToStepID: "s3"},
		{ID: "c", ToStepID: "s2"},
	}
	assert.Equal(t, []string{"s2", "s3"}, eval.PossibleNextSteps(conds))
}
