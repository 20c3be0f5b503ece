package condition

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/stageflow/model"
)

// Env is the set of values an expression is evaluated against.
type Env struct {
	PriorityScore float64
	BusinessValue float64
	Urgency       float64
	Capacity      float64
	AgeHours      float64
	StageAgeHours float64
	Attributes    map[string]any
}

// NewEnv builds the evaluation environment for a work item at now. The age
// of the item is measured from its creation time, falling back to the first
// recorded event.
func NewEnv(item model.WorkItem, state model.DerivedState, now time.Time) Env {
	created := item.CreatedAt
	if created.IsZero() {
		created = state.CreatedAt
	}
	env := Env{
		PriorityScore: item.PriorityScore,
		BusinessValue: item.BusinessValue,
		Urgency:       item.Urgency,
		Capacity:      item.Capacity,
		Attributes:    item.Attributes,
	}
	if !created.IsZero() {
		env.AgeHours = now.Sub(created).Hours()
	}
	if !state.StageEnteredAt.IsZero() {
		env.StageAgeHours = now.Sub(state.StageEnteredAt).Hours()
	}
	return env
}

func (env Env) lookup(name string) (any, error) {
	switch name {
	case FieldPriorityScore:
		return env.PriorityScore, nil
	case FieldBusinessValue:
		return env.BusinessValue, nil
	case FieldUrgency:
		return env.Urgency, nil
	case FieldCapacity:
		return env.Capacity, nil
	case FieldAgeHours:
		return env.AgeHours, nil
	case FieldStageAgeHours:
		return env.StageAgeHours, nil
	}
	key, ok := strings.CutPrefix(name, attributePrefix)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", name)
	}
	v, ok := env.Attributes[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("attribute %q is not set", key)
	}
	return normalize(v)
}

// normalize maps attribute values onto the three expression types.
func normalize(v any) (any, error) {
	switch n := v.(type) {
	case float64, string, bool:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
}

// Evaluate computes the value of expr in env.
func Evaluate(expr Expr, env Env) (any, error) {
	switch n := expr.(type) {
	case Literal:
		return n.Value, nil
	case Field:
		return env.lookup(n.Name)
	case Not:
		b, err := evalBool(n.Operand, env)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case Logical:
		left, err := evalBool(n.Left, env)
		if err != nil {
			return nil, err
		}
		if n.Op == OpAnd && !left {
			return false, nil
		}
		if n.Op == OpOr && left {
			return true, nil
		}
		return evalBool(n.Right, env)
	case Compare:
		left, err := Evaluate(n.Left, env)
		if err != nil {
			return nil, err
		}
		right, err := Evaluate(n.Right, env)
		if err != nil {
			return nil, err
		}
		return compare(n.Op, left, right)
	case nil:
		return nil, fmt.Errorf("nil expression")
	default:
		return nil, fmt.Errorf("unsupported node %T", expr)
	}
}

// EvaluateBool computes expr and requires a boolean result.
func EvaluateBool(expr Expr, env Env) (bool, error) {
	return evalBool(expr, env)
}

func evalBool(expr Expr, env Env) (bool, error) {
	v, err := Evaluate(expr, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected boolean, got %T", expr, v)
	}
	return b, nil
}

func compare(op CompareOp, left, right any) (bool, error) {
	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		if !ok {
			return false, fmt.Errorf("cannot compare number with %T", right)
		}
		switch op {
		case OpEq:
			return l == r, nil
		case OpNe:
			return l != r, nil
		case OpLt:
			return l < r, nil
		case OpLe:
			return l <= r, nil
		case OpGt:
			return l > r, nil
		case OpGe:
			return l >= r, nil
		}
	case string:
		r, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string with %T", right)
		}
		switch op {
		case OpEq:
			return l == r, nil
		case OpNe:
			return l != r, nil
		case OpLt:
			return l < r, nil
		case OpLe:
			return l <= r, nil
		case OpGt:
			return l > r, nil
		case OpGe:
			return l >= r, nil
		}
	case bool:
		r, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare boolean with %T", right)
		}
		switch op {
		case OpEq:
			return l == r, nil
		case OpNe:
			return l != r, nil
		default:
			return false, fmt.Errorf("operator %s is not defined on booleans", op)
		}
	}
	return false, fmt.Errorf("cannot apply %s to %T and %T", op, left, right)
}
