package service

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

// ConditionEvaluator evaluates routing conditions against a request's data
// snapshot. Evaluation never panics and never leaks malformed conditions into
// the state machine: anything it cannot evaluate is false.
type ConditionEvaluator struct {
	log zerolog.Logger
}

// NewConditionEvaluator creates a ConditionEvaluator.
func NewConditionEvaluator(log zerolog.Logger) *ConditionEvaluator {
	return &ConditionEvaluator{log: log}
}

// EvaluateClause evaluates a single field/operator/value comparison. A missing
// field evaluates the operator against nil, so is_null passes and relational
// operators are false. Unknown operators and malformed values return an error
// alongside false.
func (e *ConditionEvaluator) EvaluateClause(clause repository.ConditionClause, snapshot map[string]any) (bool, error) {
	field, present := lookupPath(snapshot, clause.Field)
	if !present {
		field = nil
	}

	switch clause.Operator {
	case repository.OpIsNull:
		return field == nil, nil
	case repository.OpIsNotNull:
		return field != nil, nil
	}

	// Every remaining operator is false against a missing field.
	if field == nil {
		return false, nil
	}

	switch clause.Operator {
	case repository.OpEq:
		cmp, err := compareValues(field, clause.Value)
		return err == nil && cmp == 0, err
	case repository.OpNeq:
		cmp, err := compareValues(field, clause.Value)
		return err == nil && cmp != 0, err
	case repository.OpGt:
		cmp, err := compareValues(field, clause.Value)
		return err == nil && cmp > 0, err
	case repository.OpGte:
		cmp, err := compareValues(field, clause.Value)
		return err == nil && cmp >= 0, err
	case repository.OpLt:
		cmp, err := compareValues(field, clause.Value)
		return err == nil && cmp < 0, err
	case repository.OpLte:
		cmp, err := compareValues(field, clause.Value)
		return err == nil && cmp <= 0, err
	case repository.OpIn, repository.OpNotIn:
		list, ok := clause.Value.([]any)
		if !ok {
			return false, apperr.InvalidInput("value", "in/not_in requires an array value")
		}
		found := false
		for _, item := range list {
			if cmp, err := compareValues(field, item); err == nil && cmp == 0 {
				found = true
				break
			}
		}
		if clause.Operator == repository.OpIn {
			return found, nil
		}
		return !found, nil
	case repository.OpBetween:
		bounds, ok := clause.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false, apperr.InvalidInput("value", "between requires a 2-element array")
		}
		lo, errLo := compareValues(field, bounds[0])
		hi, errHi := compareValues(field, bounds[1])
		if errLo != nil || errHi != nil {
			if errLo != nil {
				return false, errLo
			}
			return false, errHi
		}
		return lo >= 0 && hi <= 0, nil
	case repository.OpContains:
		return valueContains(field, clause.Value), nil
	case repository.OpNotContains:
		return !valueContains(field, clause.Value), nil
	case repository.OpStartsWith:
		return strings.HasPrefix(asString(field), asString(clause.Value)), nil
	case repository.OpEndsWith:
		return strings.HasSuffix(asString(field), asString(clause.Value)), nil
	}

	return false, apperr.Newf(apperr.ErrCodeInvalidInput, "unknown operator %q", clause.Operator)
}

// EvaluateCondition evaluates a condition's clauses under its logic operator,
// short-circuiting. Malformed clauses fail closed: the condition is false and
// the problem is logged, never thrown into the request state machine.
func (e *ConditionEvaluator) EvaluateCondition(cond *repository.WorkflowCondition, snapshot map[string]any) bool {
	if len(cond.Clauses) == 0 {
		return false
	}

	switch cond.LogicOp {
	case repository.LogicOr:
		for _, clause := range cond.Clauses {
			ok, err := e.EvaluateClause(clause, snapshot)
			if err != nil {
				e.log.Warn().Err(err).
					Str("condition_id", cond.ID).
					Str("field", clause.Field).
					Msg("condition clause failed closed")
				continue
			}
			if ok {
				return true
			}
		}
		return false
	default: // and, including unset
		for _, clause := range cond.Clauses {
			ok, err := e.EvaluateClause(clause, snapshot)
			if err != nil {
				e.log.Warn().Err(err).
					Str("condition_id", cond.ID).
					Str("field", clause.Field).
					Msg("condition clause failed closed")
				return false
			}
			if !ok {
				return false
			}
		}
		return true
	}
}

// NextStepID evaluates conditions (already ordered by descending priority) and
// returns the to-step of the first match, or nil when none match and routing
// should fall through to the next sequence.
func (e *ConditionEvaluator) NextStepID(conds []*repository.WorkflowCondition, snapshot map[string]any) *string {
	for _, cond := range conds {
		if e.EvaluateCondition(cond, snapshot) {
			to := cond.ToStepID
			return &to
		}
	}
	return nil
}

// PossibleNextSteps returns the step ids reachable from a step by its
// conditions in priority order. Design-time report only; it does not affect
// runtime routing.
func (e *ConditionEvaluator) PossibleNextSteps(conds []*repository.WorkflowCondition) []string {
	seen := make(map[string]struct{}, len(conds))
	var out []string
	for _, cond := range conds {
		if _, ok := seen[cond.ToStepID]; ok {
			continue
		}
		seen[cond.ToStepID] = struct{}{}
		out = append(out, cond.ToStepID)
	}
	return out
}

// ── value helpers ─────────────────────────────────────────────────────────────

// lookupPath resolves a dot-separated path into nested maps.
func lookupPath(snapshot map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = snapshot
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compareValues orders two snapshot/condition values. Numbers compare
// numerically (JSON numbers arrive as float64), everything else compares as
// strings.
func compareValues(a, b any) (int, error) {
	af, aNum := asNumber(a)
	bf, bNum := asNumber(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	return strings.Compare(asString(a), asString(b)), nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case nil:
		return ""
	}
	return ""
}

// valueContains checks substring membership for strings and element membership
// for slices.
func valueContains(field, value any) bool {
	if list, ok := field.([]any); ok {
		for _, item := range list {
			if cmp, err := compareValues(item, value); err == nil && cmp == 0 {
				return true
			}
		}
		return false
	}
	return strings.Contains(asString(field), asString(value))
}
