package model

import "time"

// Notification templates emitted by the workflow core.
const (
	TemplateTransitionCompleted = "transition.completed"
	TemplateApprovalRequested   = "approval.requested"
	TemplateApprovalRejected    = "approval.rejected"
	TemplateSLAWarning          = "sla.warning"
	TemplateSLABreach           = "sla.breach"
)

// Notification is a fire-and-forget message request handed to the messaging
// collaborator. Recipient is a role name; resolving it to people is the
// collaborator's concern.
type Notification struct {
	ID            string         `json:"id"`
	Recipient     string         `json:"recipient"`
	Template      string         `json:"template"`
	WorkItemID    string         `json:"work_item_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
