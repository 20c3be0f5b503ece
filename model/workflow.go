package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Aggregate types stored in the event log.
const (
	AggregateWorkItem      = "work_item"
	AggregateConfiguration = "configuration"
)

// ValidateWorkItemID rejects ids that are empty or that would collide with a
// configuration aggregate in the shared event log.
func ValidateWorkItemID(id string) error {
	if strings.TrimSpace(id) == "" {
		return NewBadRequestError("work item id is required")
	}
	if strings.HasPrefix(id, AggregateConfiguration+":") {
		return NewBadRequestError(fmt.Sprintf("work item id %q uses the reserved %q prefix", id, AggregateConfiguration+":"))
	}
	return nil
}

// EventType identifies a workflow event.
type EventType string

// Workflow event types.
const (
	EventStageEntered         EventType = "StageEntered"
	EventAutoAdvanced         EventType = "AutoAdvanced"
	EventApproved             EventType = "Approved"
	EventApprovalRequested    EventType = "ApprovalRequested"
	EventApprovalRecorded     EventType = "ApprovalRecorded"
	EventRejected             EventType = "Rejected"
	EventSLAEscalated         EventType = "SLAEscalated"
	EventConfigurationChanged EventType = "ConfigurationChanged"
)

// EntersStage reports whether events of this type move the work item into a
// new stage.
func (t EventType) EntersStage() bool {
	switch t {
	case EventStageEntered, EventAutoAdvanced, EventApproved:
		return true
	}
	return false
}

// WorkflowEvent is an immutable, append-only record keyed by
// (AggregateID, Version).
type WorkflowEvent struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int64           `json:"version"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ActorID       string          `json:"actor_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Decode unmarshals the event payload into v.
func (e WorkflowEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s v%d has no payload", e.AggregateID, e.Version)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s v%d: %w", e.Type, e.AggregateID, e.Version, err)
	}
	return nil
}

// StageEnteredPayload is carried by StageEntered, AutoAdvanced and Approved.
type StageEnteredPayload struct {
	Scope        string `json:"scope"`
	FromStage    string `json:"from_stage,omitempty"`
	ToStage      string `json:"to_stage"`
	TransitionID string `json:"transition_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

// ApprovalRequestedPayload opens an approval request.
type ApprovalRequestedPayload struct {
	RequestID     string   `json:"request_id"`
	TransitionID  string   `json:"transition_id"`
	FromStage     string   `json:"from_stage"`
	ToStage       string   `json:"to_stage"`
	ApproverRoles []string `json:"approver_roles"`
	RequestedBy   string   `json:"requested_by"`
	Comment       string   `json:"comment,omitempty"`
}

// ApprovalDecisionPayload is carried by ApprovalRecorded and Rejected.
type ApprovalDecisionPayload struct {
	RequestID  string `json:"request_id"`
	Role       string `json:"role"`
	ApproverID string `json:"approver_id"`
	Comment    string `json:"comment,omitempty"`
}

// Escalation levels.
const (
	EscalationWarning = "warning"
	EscalationBreach  = "breach"
)

// SLAEscalatedPayload records an escalation. StageEntryVersion marks the
// violation window the escalation belongs to.
type SLAEscalatedPayload struct {
	Stage             string  `json:"stage"`
	StageEntryVersion int64   `json:"stage_entry_version"`
	Level             string  `json:"level"`
	ElapsedHours      float64 `json:"elapsed_hours"`
	ThresholdHours    float64 `json:"threshold_hours"`
}

// Configuration change operations.
const (
	ConfigOpCreate     = "create"
	ConfigOpUpdate     = "update"
	ConfigOpDeactivate = "deactivate"
)

// ConfigurationChangedPayload records one administrative change. Exactly one
// of Stage or Transition is set.
type ConfigurationChangedPayload struct {
	Operation       string      `json:"operation"`
	Scope           string      `json:"scope"`
	Stage           *Stage      `json:"stage,omitempty"`
	Transition      *Transition `json:"transition,omitempty"`
	PreviousVersion int64       `json:"previous_version"`
}

// WorkflowSnapshot is a cached materialization of a work item's state at a
// version. It is reproducible by replaying events 1..Version.
type WorkflowSnapshot struct {
	AggregateID string          `json:"aggregate_id"`
	Version     int64           `json:"version"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StageVisit is one stay of a work item in a stage.
type StageVisit struct {
	Stage     string        `json:"stage"`
	EnteredAt time.Time     `json:"entered_at"`
	ExitedAt  *time.Time    `json:"exited_at,omitempty"`
	Dwell     time.Duration `json:"dwell"`
	Version   int64         `json:"version"`
}

// PendingApproval is an open approval request on a work item.
type PendingApproval struct {
	RequestID     string            `json:"request_id"`
	TransitionID  string            `json:"transition_id"`
	FromStage     string            `json:"from_stage"`
	ToStage       string            `json:"to_stage"`
	ApproverRoles []string          `json:"approver_roles"`
	Granted       map[string]string `json:"granted"`
	RequestedBy   string            `json:"requested_by"`
	RequestedAt   time.Time         `json:"requested_at"`
}

// Outstanding returns the approver roles that have not yet approved, in
// configured order.
func (p PendingApproval) Outstanding() []string {
	var out []string
	for _, r := range p.ApproverRoles {
		if _, ok := p.Granted[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Escalation is an accumulated SLA flag.
type Escalation struct {
	Stage             string    `json:"stage"`
	StageEntryVersion int64     `json:"stage_entry_version"`
	Level             string    `json:"level"`
	At                time.Time `json:"at"`
	Version           int64     `json:"version"`
}

// DerivedState is the state of a work item computed by folding its events
// in version order. It is never persisted as a source of truth.
type DerivedState struct {
	WorkItemID        string           `json:"work_item_id"`
	Scope             string           `json:"scope"`
	CurrentStage      string           `json:"current_stage"`
	PreviousStage     string           `json:"previous_stage,omitempty"`
	StageEnteredAt    time.Time        `json:"stage_entered_at"`
	StageEntryVersion int64            `json:"stage_entry_version"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	LastEventAt       time.Time        `json:"last_event_at"`
	History           []StageVisit     `json:"history"`
	PendingApproval   *PendingApproval `json:"pending_approval,omitempty"`
	Escalations       []Escalation     `json:"escalations,omitempty"`
}

// Escalated reports whether an escalation at level was already recorded for
// the current stage entry.
func (s DerivedState) Escalated(level string) bool {
	for _, e := range s.Escalations {
		if e.StageEntryVersion == s.StageEntryVersion && e.Level == level {
			return true
		}
	}
	return false
}

// WorkItem is the externally owned work request. Priority and capacity
// signals are computed by other collaborators and are read-only here.
type WorkItem struct {
	ID            string         `json:"id"`
	Scope         string         `json:"scope"`
	Title         string         `json:"title"`
	PriorityScore float64        `json:"priority_score"`
	BusinessValue float64        `json:"business_value"`
	Urgency       float64        `json:"urgency"`
	Capacity      float64        `json:"capacity"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// SLAStatus is the SLA position of a work item in its current stage.
type SLAStatus struct {
	WorkItemID     string        `json:"work_item_id"`
	Scope          string        `json:"scope"`
	Stage          string        `json:"stage"`
	EnteredAt      time.Time     `json:"entered_at"`
	SLA            time.Duration `json:"sla"`
	Elapsed        time.Duration `json:"elapsed"`
	Remaining      time.Duration `json:"remaining"`
	Violated       bool          `json:"violated"`
	EscalationDue  bool          `json:"escalation_due"`
	EntryVersion   int64         `json:"entry_version"`
	EscalatedLevel string        `json:"escalated_level,omitempty"`
}

// StageDwell is the average time spent in a stage.
type StageDwell struct {
	Stage        string        `json:"stage"`
	Visits       int           `json:"visits"`
	AverageDwell time.Duration `json:"average_dwell"`
	MaxDwell     time.Duration `json:"max_dwell"`
}

// WorkflowMetrics summarizes workflow activity in a time window.
type WorkflowMetrics struct {
	Scope            string         `json:"scope"`
	From             time.Time      `json:"from"`
	To               time.Time      `json:"to"`
	Transitions      int            `json:"transitions"`
	AutoAdvances     int            `json:"auto_advances"`
	Approvals        int            `json:"approvals"`
	Rejections       int            `json:"rejections"`
	Escalations      int            `json:"escalations"`
	StartedItems     int            `json:"started_items"`
	CompletedItems   int            `json:"completed_items"`
	AverageCycleTime time.Duration  `json:"average_cycle_time"`
	StageEntries     map[string]int `json:"stage_entries"`
	ActiveByStage    map[string]int `json:"active_by_stage"`
}
