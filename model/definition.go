package model

import (
	"fmt"
	"time"
)

// GlobalScope is the scope of stages and transitions that apply to every
// organizational unit unless overridden.
const GlobalScope = ""

// DefaultInitialStage is the well-known entry stage of every work item.
const DefaultInitialStage = "Intake"

// ScopeDefinition is the root structure of a definition file. Each file
// declares the stages and transitions of one scope.
type ScopeDefinition struct {
	Scope       string       `yaml:"scope"       json:"scope"`
	Stages      []Stage      `yaml:"stages"      json:"stages"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Stage is a named, ordered node of a workflow graph.
type Stage struct {
	ID               string    `yaml:"id"                json:"id"`
	Name             string    `yaml:"name"              json:"name"`
	Scope            string    `yaml:"scope"             json:"scope,omitempty"`
	DisplayOrder     int       `yaml:"display_order"     json:"display_order"`
	SLAHours         *float64  `yaml:"sla_hours"         json:"sla_hours,omitempty"`
	RequiresApproval bool      `yaml:"requires_approval" json:"requires_approval"`
	AutoTransition   bool      `yaml:"auto_transition"   json:"auto_transition"`
	AllowedRoles     []string  `yaml:"allowed_roles"     json:"allowed_roles"`
	Terminal         bool      `yaml:"terminal"          json:"terminal"`
	Deactivated      bool      `yaml:"deactivated"       json:"deactivated,omitempty"`
	Version          int64     `yaml:"-"                 json:"version"`
	UpdatedAt        time.Time `yaml:"-"                 json:"updated_at"`
}

// Active reports whether the stage may be used by new transitions.
func (s Stage) Active() bool {
	return !s.Deactivated
}

// SLA returns the configured SLA duration and whether one is set.
func (s Stage) SLA() (time.Duration, bool) {
	if s.SLAHours == nil || *s.SLAHours <= 0 {
		return 0, false
	}
	return time.Duration(*s.SLAHours * float64(time.Hour)), true
}

// Transition is a directed edge between two stages.
type Transition struct {
	ID                         string    `yaml:"id"                            json:"id"`
	Scope                      string    `yaml:"scope"                         json:"scope,omitempty"`
	From                       string    `yaml:"from"                          json:"from"`
	To                         string    `yaml:"to"                            json:"to"`
	RequiredRole               string    `yaml:"required_role"                 json:"required_role,omitempty"`
	Condition                  string    `yaml:"condition"                     json:"condition,omitempty"`
	NotificationRequired       bool      `yaml:"notification_required"         json:"notification_required"`
	NotifyRoles                []string  `yaml:"notify_roles"                  json:"notify_roles,omitempty"`
	AutoTransition             bool      `yaml:"auto_transition"               json:"auto_transition"`
	AutoTransitionDelayMinutes *int      `yaml:"auto_transition_delay_minutes" json:"auto_transition_delay_minutes,omitempty"`
	ApproverRoles              []string  `yaml:"approver_roles"                json:"approver_roles,omitempty"`
	Deactivated                bool      `yaml:"deactivated"                   json:"deactivated,omitempty"`
	Version                    int64     `yaml:"-"                             json:"version"`
	UpdatedAt                  time.Time `yaml:"-"                             json:"updated_at"`
}

// Active reports whether the edge may be taken.
func (t Transition) Active() bool {
	return !t.Deactivated
}

// Key identifies the edge within its scope. Two transitions with the same
// key in the same scope are a configuration error.
func (t Transition) Key() string {
	return t.From + "->" + t.To
}

// RequiresApproval reports whether taking the edge needs approver sign-off.
func (t Transition) RequiresApproval() bool {
	return len(t.ApproverRoles) > 0
}

// AutoDelay returns the auto-transition delay.
func (t Transition) AutoDelay() time.Duration {
	if t.AutoTransitionDelayMinutes == nil {
		return 0
	}
	return time.Duration(*t.AutoTransitionDelayMinutes) * time.Minute
}

// String implements fmt.Stringer.
func (t Transition) String() string {
	if t.Scope == GlobalScope {
		return fmt.Sprintf("%s (%s)", t.ID, t.Key())
	}
	return fmt.Sprintf("%s (%s @%s)", t.ID, t.Key(), t.Scope)
}
