package condition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/model"
)

// Program is a compiled guard condition. Compilation errors are retained so
// that a broken condition keeps failing closed instead of disappearing.
type Program struct {
	Source string
	Expr   Expr
	Err    error
}

// Compile parses src. An empty source yields a program that always passes.
func Compile(src string) *Program {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Program{}
	}
	expr, err := Parse(src)
	return &Program{Source: src, Expr: expr, Err: err}
}

// Empty reports whether the program has no condition.
func (p *Program) Empty() bool {
	return p == nil || (p.Source == "" && p.Err == nil)
}

// Run evaluates the program. A program that failed to compile returns its
// compile error.
func (p *Program) Run(env Env) (bool, error) {
	if p.Empty() {
		return true, nil
	}
	if p.Err != nil {
		return false, p.Err
	}
	return EvaluateBool(p.Expr, env)
}

// Input carries everything a guard is evaluated against.
type Input struct {
	Transition model.Transition
	// Program is the compiled Transition.Condition. When nil the condition
	// is compiled on the fly.
	Program *Program
	// Stage is the work item's current stage.
	Stage model.Stage
	Item  model.WorkItem
	State model.DerivedState
	Actor model.Actor
	Now   time.Time
}

// Evaluator checks transition guards: the role gate first, then the
// business condition.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// CanTransition reports whether the actor may take the transition.
// A role mismatch returns (false, nil). A condition that fails to compile
// or evaluate returns false with a CONFIGURATION_INVALID error.
func (e *Evaluator) CanTransition(ctx context.Context, in Input) (bool, error) {
	if !e.RolePermits(in.Transition, in.Stage, in.Actor) {
		return false, nil
	}
	return e.ConditionHolds(ctx, in)
}

// ConditionHolds evaluates only the business condition of in.Transition.
// Approvals use it to re-check a transition whose role gate was passed when
// the request was opened.
func (e *Evaluator) ConditionHolds(ctx context.Context, in Input) (bool, error) {
	prog := in.Program
	if prog == nil {
		prog = Compile(in.Transition.Condition)
	}
	ok, err := prog.Run(NewEnv(in.Item, in.State, in.Now))
	if err != nil {
		e.logger.Error("guard condition failed",
			zap.String("transition_id", in.Transition.ID),
			zap.String("work_item_id", in.Item.ID),
			zap.String("condition", in.Transition.Condition),
			zap.String("correlation_id", model.CorrelationIDFrom(ctx)),
			zap.Error(err),
		)
		return false, model.NewConfigurationInvalidError(
			fmt.Sprintf("transition %s has an invalid condition: %v", in.Transition.ID, err),
			[]model.FieldError{{Field: "condition", Code: "INVALID_CONDITION", Message: err.Error()}},
		)
	}
	return ok, nil
}

// RolePermits applies the role gate. A transition's RequiredRole takes
// precedence; otherwise the actor must hold one of the current stage's
// allowed roles, and an empty list admits everyone. The system actor is
// admitted only on auto-transition edges.
func (e *Evaluator) RolePermits(t model.Transition, current model.Stage, actor model.Actor) bool {
	if actor.System {
		return t.AutoTransition
	}
	if actor.ID == "" {
		return false
	}
	if t.RequiredRole != "" {
		return actor.HasRole(t.RequiredRole)
	}
	if len(current.AllowedRoles) == 0 {
		return true
	}
	return actor.HasAnyRole(current.AllowedRoles...)
}
