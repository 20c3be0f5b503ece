package definition

import (
	"fmt"
	"sort"

	"github.com/pitabwire/stageflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors to error envelope details.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}

// Validator checks definitions structurally and the merged workflow graph
// referentially.
type Validator struct {
	initialStage string
}

// NewValidator creates a Validator that requires initialStage to exist in
// every scope.
func NewValidator(initialStage string) *Validator {
	if initialStage == "" {
		initialStage = model.DefaultInitialStage
	}
	return &Validator{initialStage: initialStage}
}

// ValidateDefinitions checks loaded files before they are indexed: required
// ids and duplicates within a scope, which a snapshot would silently merge.
func (v *Validator) ValidateDefinitions(defs []model.ScopeDefinition) []VError {
	var errs []VError
	stageIDs := make(map[string]map[string]string)
	transitionIDs := make(map[string]map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		if stageIDs[def.Scope] == nil {
			stageIDs[def.Scope] = make(map[string]string)
			transitionIDs[def.Scope] = make(map[string]string)
		}
		for j, st := range def.Stages {
			p := fmt.Sprintf("%s.stages[%d]", prefix, j)
			if st.ID == "" {
				errs = append(errs, VError{Path: p + ".id", Code: "REQUIRED", Message: "stage id is required"})
				continue
			}
			if prev, dup := stageIDs[def.Scope][st.ID]; dup {
				errs = append(errs, VError{Path: p + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("stage %q already declared at %s", st.ID, prev)})
				continue
			}
			stageIDs[def.Scope][st.ID] = p
		}
		for j, t := range def.Transitions {
			p := fmt.Sprintf("%s.transitions[%d]", prefix, j)
			if t.ID == "" {
				errs = append(errs, VError{Path: p + ".id", Code: "REQUIRED", Message: "transition id is required"})
				continue
			}
			if prev, dup := transitionIDs[def.Scope][t.ID]; dup {
				errs = append(errs, VError{Path: p + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("transition %q already declared at %s", t.ID, prev)})
				continue
			}
			transitionIDs[def.Scope][t.ID] = p
		}
	}
	return errs
}

// Validate checks the graph visible in scope. Errors are returned sorted by
// path.
func (v *Validator) Validate(snap *Snapshot, scope string) []VError {
	var errs []VError
	prefix := scopePath(scope)

	if st, ok := snap.Stage(scope, v.initialStage); !ok || !st.Active() {
		errs = append(errs, VError{
			Path:    prefix + ".stages",
			Code:    "MISSING_INITIAL_STAGE",
			Message: fmt.Sprintf("initial stage %q is not defined or not active", v.initialStage),
		})
	}

	for id, st := range snap.rawStages(scope) {
		p := fmt.Sprintf("%s.stages[%s]", prefix, id)
		if st.Name == "" {
			errs = append(errs, VError{Path: p + ".name", Code: "REQUIRED", Message: "stage name is required"})
		}
		if st.SLAHours != nil && *st.SLAHours < 0 {
			errs = append(errs, VError{Path: p + ".sla_hours", Code: "INVALID_VALUE", Message: "sla_hours must not be negative"})
		}
		for _, r := range st.AllowedRoles {
			if r == "" {
				errs = append(errs, VError{Path: p + ".allowed_roles", Code: "INVALID_VALUE", Message: "allowed role must not be empty"})
			}
		}
	}

	edges := make(map[string]string)
	for id, t := range snap.rawTransitions(scope) {
		p := fmt.Sprintf("%s.transitions[%s]", prefix, id)
		if !t.Active() {
			continue
		}
		if prev, dup := edges[t.Key()]; dup {
			errs = append(errs, VError{
				Path:    p,
				Code:    "DUPLICATE_EDGE",
				Message: fmt.Sprintf("edge %s is already declared by transition %s", t.Key(), prev),
			})
		} else {
			edges[t.Key()] = id
		}
		errs = append(errs, v.validateTransition(p, snap, scope, t)...)
	}

	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Path != errs[j].Path {
			return errs[i].Path < errs[j].Path
		}
		return errs[i].Code < errs[j].Code
	})
	return errs
}

// ValidateAll validates every scope of the snapshot.
func (v *Validator) ValidateAll(snap *Snapshot) []VError {
	var errs []VError
	for _, scope := range snap.Scopes() {
		errs = append(errs, v.Validate(snap, scope)...)
	}
	return errs
}

func (v *Validator) validateTransition(p string, snap *Snapshot, scope string, t model.Transition) []VError {
	var errs []VError

	if t.From == "" {
		errs = append(errs, VError{Path: p + ".from", Code: "REQUIRED", Message: "from is required"})
	}
	if t.To == "" {
		errs = append(errs, VError{Path: p + ".to", Code: "REQUIRED", Message: "to is required"})
	}
	if t.From != "" && t.From == t.To {
		errs = append(errs, VError{Path: p, Code: "SELF_LOOP", Message: "a transition must change the stage"})
	}
	for field, id := range map[string]string{"from": t.From, "to": t.To} {
		if id == "" {
			continue
		}
		st, ok := snap.Stage(scope, id)
		switch {
		case !ok:
			errs = append(errs, VError{Path: p + "." + field, Code: "UNKNOWN_STAGE", Message: fmt.Sprintf("stage %q does not exist", id)})
		case !st.Active():
			errs = append(errs, VError{Path: p + "." + field, Code: "INACTIVE_STAGE", Message: fmt.Sprintf("stage %q is deactivated", id)})
		}
	}

	if prog := snap.Program(t); prog.Err != nil {
		errs = append(errs, VError{Path: p + ".condition", Code: "INVALID_CONDITION", Message: prog.Err.Error()})
	}
	if t.AutoTransitionDelayMinutes != nil && *t.AutoTransitionDelayMinutes < 0 {
		errs = append(errs, VError{Path: p + ".auto_transition_delay_minutes", Code: "INVALID_VALUE", Message: "delay must not be negative"})
	}
	if t.AutoTransition && t.RequiresApproval() {
		errs = append(errs, VError{Path: p + ".auto_transition", Code: "CONFLICT", Message: "an approval-gated transition cannot auto-transition"})
	}
	if to, ok := snap.Stage(scope, t.To); ok && to.RequiresApproval && !t.RequiresApproval() {
		errs = append(errs, VError{
			Path:    p + ".approver_roles",
			Code:    "REQUIRED",
			Message: fmt.Sprintf("stage %q requires approval, approver_roles must be set", t.To),
		})
	}
	seen := make(map[string]bool)
	for _, r := range t.ApproverRoles {
		if r == "" || seen[r] {
			errs = append(errs, VError{Path: p + ".approver_roles", Code: "INVALID_VALUE", Message: fmt.Sprintf("approver role %q is empty or repeated", r)})
		}
		seen[r] = true
	}

	return errs
}

func scopePath(scope string) string {
	if scope == model.GlobalScope {
		return "global"
	}
	return "scope[" + scope + "]"
}
