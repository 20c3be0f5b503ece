package workflow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/pitabwire/stageflow/model"
)

// Fold replays events in version order from an empty state. Two folds of the
// same events always produce equal states.
func Fold(workItemID string, events []model.WorkflowEvent) (model.DerivedState, error) {
	return FoldFrom(model.DerivedState{WorkItemID: workItemID}, events)
}

// FoldFrom continues a fold from state, typically a snapshot.
func FoldFrom(state model.DerivedState, events []model.WorkflowEvent) (model.DerivedState, error) {
	for _, ev := range events {
		next, err := Apply(state, ev)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

// Apply returns state with ev applied. The input state is not modified.
// Events must arrive with consecutive versions.
func Apply(state model.DerivedState, ev model.WorkflowEvent) (model.DerivedState, error) {
	if ev.Version != state.Version+1 {
		return state, fmt.Errorf("event %s of %s: version %d does not follow %d",
			ev.Type, ev.AggregateID, ev.Version, state.Version)
	}

	next := cloneState(state)
	if next.WorkItemID == "" {
		next.WorkItemID = ev.AggregateID
	}
	if next.Version == 0 {
		next.CreatedAt = ev.Timestamp
	}
	next.Version = ev.Version
	next.LastEventAt = ev.Timestamp

	switch {
	case ev.Type.EntersStage():
		var p model.StageEnteredPayload
		if err := ev.Decode(&p); err != nil {
			return state, err
		}
		if n := len(next.History); n > 0 && next.History[n-1].ExitedAt == nil {
			exited := ev.Timestamp
			next.History[n-1].ExitedAt = &exited
			next.History[n-1].Dwell = exited.Sub(next.History[n-1].EnteredAt)
		}
		if next.Scope == "" {
			next.Scope = p.Scope
		}
		next.PreviousStage = next.CurrentStage
		next.CurrentStage = p.ToStage
		next.StageEnteredAt = ev.Timestamp
		next.StageEntryVersion = ev.Version
		next.PendingApproval = nil
		next.History = append(next.History, model.StageVisit{
			Stage:     p.ToStage,
			EnteredAt: ev.Timestamp,
			Version:   ev.Version,
		})

	case ev.Type == model.EventApprovalRequested:
		var p model.ApprovalRequestedPayload
		if err := ev.Decode(&p); err != nil {
			return state, err
		}
		next.PendingApproval = &model.PendingApproval{
			RequestID:     p.RequestID,
			TransitionID:  p.TransitionID,
			FromStage:     p.FromStage,
			ToStage:       p.ToStage,
			ApproverRoles: slices.Clone(p.ApproverRoles),
			Granted:       map[string]string{},
			RequestedBy:   p.RequestedBy,
			RequestedAt:   ev.Timestamp,
		}

	case ev.Type == model.EventApprovalRecorded:
		var p model.ApprovalDecisionPayload
		if err := ev.Decode(&p); err != nil {
			return state, err
		}
		if next.PendingApproval != nil && next.PendingApproval.RequestID == p.RequestID {
			next.PendingApproval.Granted[p.Role] = p.ApproverID
		}

	case ev.Type == model.EventRejected:
		var p model.ApprovalDecisionPayload
		if err := ev.Decode(&p); err != nil {
			return state, err
		}
		if next.PendingApproval != nil && next.PendingApproval.RequestID == p.RequestID {
			next.PendingApproval = nil
		}

	case ev.Type == model.EventSLAEscalated:
		var p model.SLAEscalatedPayload
		if err := ev.Decode(&p); err != nil {
			return state, err
		}
		next.Escalations = append(next.Escalations, model.Escalation{
			Stage:             p.Stage,
			StageEntryVersion: p.StageEntryVersion,
			Level:             p.Level,
			At:                ev.Timestamp,
			Version:           ev.Version,
		})
	}

	return next, nil
}

func cloneState(s model.DerivedState) model.DerivedState {
	s.History = slices.Clone(s.History)
	s.Escalations = slices.Clone(s.Escalations)
	if s.PendingApproval != nil {
		p := *s.PendingApproval
		p.ApproverRoles = slices.Clone(p.ApproverRoles)
		p.Granted = maps.Clone(p.Granted)
		if p.Granted == nil {
			p.Granted = map[string]string{}
		}
		s.PendingApproval = &p
	}
	return s
}
