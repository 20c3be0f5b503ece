package definition

import (
	"testing"

	"github.com/pitabwire/stageflow/model"
)

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid_fixtures(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/pipeline"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	v := NewValidator("Intake")
	if errs := v.ValidateDefinitions(defs); len(errs) != 0 {
		t.Fatalf("ValidateDefinitions() = %v", errs)
	}
	if errs := v.ValidateAll(NewSnapshot(1, defs)); len(errs) != 0 {
		t.Fatalf("ValidateAll() = %v", errs)
	}
}

func TestValidator_valid_testDefs(t *testing.T) {
	v := NewValidator("")
	if errs := v.ValidateAll(NewSnapshot(1, testDefs())); len(errs) != 0 {
		t.Fatalf("ValidateAll() = %v", errs)
	}
}

func TestValidator_ValidateDefinitions_duplicates(t *testing.T) {
	defs := []model.ScopeDefinition{
		{Scope: "", Stages: []model.Stage{{ID: "Intake", Name: "Intake"}}},
		{Scope: "", Stages: []model.Stage{{ID: "Intake", Name: "Intake again"}, {Name: "no id"}},
			Transitions: []model.Transition{{ID: "t1"}, {ID: "t1"}}},
		{Scope: "emea", Stages: []model.Stage{{ID: "Intake", Name: "scoped"}}},
	}
	errs := NewValidator("").ValidateDefinitions(defs)
	if len(errs) != 3 {
		t.Fatalf("ValidateDefinitions() = %d errors, want 3: %v", len(errs), errs)
	}
	if !hasCode(errs, "DUPLICATE_ID") || !hasCode(errs, "REQUIRED") {
		t.Errorf("unexpected codes: %v", errs)
	}
}

func TestValidator_Validate(t *testing.T) {
	delay := -5
	tests := []struct {
		name   string
		mutate func(defs []model.ScopeDefinition) []model.ScopeDefinition
		scope  string
		code   string
	}{
		{
			name: "missing initial stage",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Stages[0].Deactivated = true
				return d
			},
			code: "MISSING_INITIAL_STAGE",
		},
		{
			name: "unknown destination",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Transitions[0].To = "Nowhere"
				return d
			},
			code: "UNKNOWN_STAGE",
		},
		{
			name: "inactive source",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Transitions = append(d[0].Transitions, model.Transition{ID: "x", From: "Archived", To: "Intake"})
				return d
			},
			code: "INACTIVE_STAGE",
		},
		{
			name: "duplicate edge in scope",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[1].Transitions = append(d[1].Transitions, model.Transition{ID: "dup", From: "Review", To: "Legal"})
				return d
			},
			scope: "emea",
			code:  "DUPLICATE_EDGE",
		},
		{
			name: "self loop",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Transitions[0].To = "Intake"
				return d
			},
			code: "SELF_LOOP",
		},
		{
			name: "broken condition",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Transitions[0].Condition = "priority_score >"
				return d
			},
			code: "INVALID_CONDITION",
		},
		{
			name: "negative delay",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Transitions[0].AutoTransitionDelayMinutes = &delay
				return d
			},
			code: "INVALID_VALUE",
		},
		{
			name: "approval stage without approvers",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Stages[2].RequiresApproval = true
				return d
			},
			code: "REQUIRED",
		},
		{
			name: "auto transition with approvers",
			mutate: func(d []model.ScopeDefinition) []model.ScopeDefinition {
				d[0].Transitions[0].AutoTransition = true
				d[0].Transitions[0].ApproverRoles = []string{"lead"}
				return d
			},
			code: "CONFLICT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot(1, tt.mutate(testDefs()))
			errs := NewValidator("Intake").Validate(snap, tt.scope)
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func TestFieldErrors(t *testing.T) {
	got := FieldErrors([]VError{{Path: "global.stages[X]", Code: "REQUIRED", Message: "m"}})
	if len(got) != 1 || got[0].Field != "global.stages[X]" || got[0].Code != "REQUIRED" {
		t.Errorf("FieldErrors() = %+v", got)
	}
}
