package workflow

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/condition"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// Approval outcomes reported to the Recorder.
const (
	approvalRequested = "requested"
	approvalGranted   = "granted"
	approvalApproved  = "approved"
	approvalRejected  = "rejected"
)

// RequestApproval opens an approval request for an approval-gated
// transition leaving the work item's current stage. Requesting the
// transition that is already pending returns the open request.
func (e *Engine) RequestApproval(ctx context.Context, workItemID, transitionID string, actor model.Actor, comment string) (res AdvanceResult, err error) {
	ctx, span := observability.StartWorkItemSpan(ctx, "request_approval", workItemID,
		observability.AttrTransitionID.String(transitionID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if actor.ID == "" {
		return AdvanceResult{}, model.NewUnauthorizedError("an actor is required")
	}
	snap := e.registry.Snapshot()
	state, err := e.GetCurrentState(ctx, workItemID)
	if err != nil {
		return AdvanceResult{}, err
	}

	span.SetAttributes(observability.AttrScope.String(state.Scope))

	t, ok := snap.Transition(state.Scope, transitionID)
	if !ok || !t.Active() || t.From != state.CurrentStage {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("transition %q does not leave stage %q", transitionID, state.CurrentStage))
	}
	if !t.RequiresApproval() {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("transition %s does not require approval", t.ID))
	}

	item, err := e.items.Get(ctx, workItemID)
	if err != nil {
		return AdvanceResult{}, err
	}
	effective, err := e.authorize(ctx, snap, state, item, t.To, actor)
	if err != nil {
		return AdvanceResult{}, err
	}
	if effective.ID != t.ID {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("transition %s is overridden by %s in scope %q", t.ID, effective.ID, state.Scope))
	}

	res, err = e.openApproval(ctx, state, effective, actor, comment)
	e.logAttempt(ctx, workItemID, state.CurrentStage, t.To, actor, res, err)
	return res, err
}

func (e *Engine) openApproval(ctx context.Context, state model.DerivedState, t model.Transition, actor model.Actor, comment string) (AdvanceResult, error) {
	if p := state.PendingApproval; p != nil {
		if p.TransitionID == t.ID {
			return AdvanceResult{Status: StatusApprovalPending, State: state, Approval: p}, nil
		}
		return AdvanceResult{}, model.NewTransitionNotAllowedError(fmt.Sprintf(
			"approval for transition %s is already pending", p.TransitionID))
	}

	ev, err := e.newEvent(ctx, state.WorkItemID, model.EventApprovalRequested, actor, model.ApprovalRequestedPayload{
		RequestID:     uuid.NewString(),
		TransitionID:  t.ID,
		FromStage:     t.From,
		ToStage:       t.To,
		ApproverRoles: slices.Clone(t.ApproverRoles),
		RequestedBy:   actor.ID,
		Comment:       comment,
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	next, events, err := e.commit(ctx, state, ev)
	if err != nil {
		return AdvanceResult{}, err
	}

	e.recorder.RecordApproval(approvalRequested)
	e.notify(ctx, model.TemplateApprovalRequested, state.WorkItemID, t.ApproverRoles, map[string]any{
		"scope":         state.Scope,
		"transition_id": t.ID,
		"from_stage":    t.From,
		"to_stage":      t.To,
		"requested_by":  actor.ID,
		"request_id":    next.PendingApproval.RequestID,
	})
	return AdvanceResult{
		Status:   StatusApprovalPending,
		State:    next,
		Event:    &events[0],
		Approval: next.PendingApproval,
	}, nil
}

// ProcessApproval records an approver's decision on the pending request.
// The approver must hold a role that has not approved yet, and one person
// approves at most once. A rejection clears the request and leaves the
// stage unchanged. The final grant re-checks the transition condition and
// enters the target stage with an Approved event.
func (e *Engine) ProcessApproval(ctx context.Context, workItemID string, approver model.Actor, approved bool, comment string) (res AdvanceResult, err error) {
	ctx, span := observability.StartWorkItemSpan(ctx, "approval", workItemID,
		observability.AttrActorID.String(approver.ID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if approver.ID == "" {
		return AdvanceResult{}, model.NewUnauthorizedError("an approver is required")
	}
	snap := e.registry.Snapshot()
	state, err := e.GetCurrentState(ctx, workItemID)
	if err != nil {
		return AdvanceResult{}, err
	}
	p := state.PendingApproval
	if p == nil {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("work item %q has no pending approval", workItemID))
	}

	for role, id := range p.Granted {
		if id == approver.ID {
			return AdvanceResult{}, model.NewTransitionNotAllowedError(
				fmt.Sprintf("%q already approved as %s", approver.ID, role))
		}
	}
	outstanding := p.Outstanding()
	idx := slices.IndexFunc(outstanding, approver.HasRole)
	if idx < 0 {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("%q holds none of the outstanding approver roles %v", approver.ID, outstanding))
	}
	decision := model.ApprovalDecisionPayload{
		RequestID:  p.RequestID,
		Role:       outstanding[idx],
		ApproverID: approver.ID,
		Comment:    comment,
	}

	logger := e.attemptLogger(ctx, workItemID, approver).With(
		zap.String("request_id", p.RequestID),
		zap.String("role", decision.Role),
	)

	switch {
	case !approved:
		res, err = e.reject(ctx, snap, state, decision, approver)
	case len(outstanding) > 1:
		res, err = e.grant(ctx, state, decision, approver)
	default:
		res, err = e.completeApproval(ctx, snap, state, decision, approver)
	}
	if err != nil {
		logger.Info("approval decision failed", zap.String("outcome", model.CodeOf(err)), zap.Error(err))
		return AdvanceResult{}, err
	}
	logger.Info("approval decision recorded", zap.String("outcome", res.Status))
	return res, nil
}

func (e *Engine) reject(ctx context.Context, snap *definition.Snapshot, state model.DerivedState, d model.ApprovalDecisionPayload, approver model.Actor) (AdvanceResult, error) {
	pending := state.PendingApproval
	ev, err := e.newEvent(ctx, state.WorkItemID, model.EventRejected, approver, d)
	if err != nil {
		return AdvanceResult{}, err
	}
	next, events, err := e.commit(ctx, state, ev)
	if err != nil {
		return AdvanceResult{}, err
	}

	e.recorder.RecordApproval(approvalRejected)
	var recipients []string
	if st, ok := snap.Stage(state.Scope, state.CurrentStage); ok {
		recipients = st.AllowedRoles
	}
	e.notify(ctx, model.TemplateApprovalRejected, state.WorkItemID, recipients, map[string]any{
		"scope":         state.Scope,
		"transition_id": pending.TransitionID,
		"to_stage":      pending.ToStage,
		"requested_by":  pending.RequestedBy,
		"rejected_by":   approver.ID,
		"role":          d.Role,
	})
	return AdvanceResult{Status: StatusRejected, State: next, Event: &events[0]}, nil
}

func (e *Engine) grant(ctx context.Context, state model.DerivedState, d model.ApprovalDecisionPayload, approver model.Actor) (AdvanceResult, error) {
	ev, err := e.newEvent(ctx, state.WorkItemID, model.EventApprovalRecorded, approver, d)
	if err != nil {
		return AdvanceResult{}, err
	}
	next, events, err := e.commit(ctx, state, ev)
	if err != nil {
		return AdvanceResult{}, err
	}
	e.recorder.RecordApproval(approvalGranted)
	return AdvanceResult{
		Status:   StatusApprovalPending,
		State:    next,
		Event:    &events[0],
		Approval: next.PendingApproval,
	}, nil
}

// completeApproval appends the last grant and the stage entry together so
// no reader observes a fully approved request that has not advanced.
func (e *Engine) completeApproval(ctx context.Context, snap *definition.Snapshot, state model.DerivedState, d model.ApprovalDecisionPayload, approver model.Actor) (AdvanceResult, error) {
	p := state.PendingApproval
	t, ok := snap.Edge(p.FromStage, p.ToStage, state.Scope)
	if !ok || !t.RequiresApproval() {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("transition %s is no longer available", p.TransitionID))
	}
	if st, ok := snap.Stage(state.Scope, p.ToStage); !ok || !st.Active() {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("stage %q is not active", p.ToStage))
	}

	item, err := e.items.Get(ctx, state.WorkItemID)
	if err != nil {
		return AdvanceResult{}, err
	}
	holds, err := e.evaluator.ConditionHolds(ctx, condition.Input{
		Transition: t,
		Program:    snap.Program(t),
		Item:       item,
		State:      state,
		Actor:      approver,
		Now:        e.now(),
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	if !holds {
		return AdvanceResult{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("condition of transition %s no longer holds", t.ID))
	}

	granted, err := e.newEvent(ctx, state.WorkItemID, model.EventApprovalRecorded, approver, d)
	if err != nil {
		return AdvanceResult{}, err
	}
	entered, err := e.newEvent(ctx, state.WorkItemID, model.EventApproved, approver, model.StageEnteredPayload{
		Scope:        state.Scope,
		FromStage:    p.FromStage,
		ToStage:      p.ToStage,
		TransitionID: t.ID,
		RequestID:    p.RequestID,
		Comment:      d.Comment,
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	next, events, err := e.commit(ctx, state, granted, entered)
	if err != nil {
		return AdvanceResult{}, err
	}

	e.recorder.RecordApproval(approvalApproved)
	e.afterTransition(ctx, snap, t, next, approver)
	return AdvanceResult{Status: StatusAdvanced, State: next, Event: &events[1]}, nil
}
