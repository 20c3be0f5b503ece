// Package workflow is the workflow state machine. It decides which stage
// transitions an actor may take, appends every transition to the event log
// with an expected-version check, and derives state, SLA status and
// reporting views by folding that log.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/condition"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/eventstore"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

const (
	defaultSnapshotInterval = 50
	defaultSweepWorkers     = 8
)

// Advance outcomes.
const (
	StatusAdvanced        = "advanced"
	StatusApprovalPending = "approval_pending"
	StatusRejected        = "rejected"
)

// WorkItemSource provides the work items transitions are evaluated against.
type WorkItemSource interface {
	Get(ctx context.Context, id string) (model.WorkItem, error)
}

// Notifier accepts fire-and-forget notification requests. Notify must not
// block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Recorder receives workflow measurements.
type Recorder interface {
	RecordTransition(scope, from, to string, eventType model.EventType)
	RecordTransitionRejected(scope, reason string)
	RecordApproval(outcome string)
	RecordEscalation(level string)
	RecordAutoTransitionSweep(outcome string, advanced int, duration time.Duration)
	SetSLAViolations(scope string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string, string, string, model.EventType) {}
func (nopRecorder) RecordTransitionRejected(string, string)                  {}
func (nopRecorder) RecordApproval(string)                                    {}
func (nopRecorder) RecordEscalation(string)                                  {}
func (nopRecorder) RecordAutoTransitionSweep(string, int, time.Duration)     {}
func (nopRecorder) SetSLAViolations(string, int)                             {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, model.Notification) error { return nil }

// AdvanceRequest asks for a work item to move to TargetStage. A non-zero
// ExpectedVersion must equal the version the caller last observed.
type AdvanceRequest struct {
	WorkItemID      string `json:"work_item_id"`
	TargetStage     string `json:"target_stage"`
	ExpectedVersion int64  `json:"expected_version"`
	Comment         string `json:"comment,omitempty"`
}

// AdvanceResult is the outcome of Advance, RequestApproval and
// ProcessApproval. Event is the last event appended, if any.
type AdvanceResult struct {
	Status   string                 `json:"status"`
	State    model.DerivedState     `json:"state"`
	Event    *model.WorkflowEvent   `json:"event,omitempty"`
	Approval *model.PendingApproval `json:"approval,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEscalationPolicy sets the SLA escalation tiers.
func WithEscalationPolicy(p EscalationPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithInitialStage sets the stage new work items enter.
func WithInitialStage(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.initialStage = id
		}
	}
}

// WithSnapshotInterval sets how many events separate state snapshots.
// Zero or less disables snapshots.
func WithSnapshotInterval(n int) Option {
	return func(e *Engine) { e.snapshotInterval = int64(n) }
}

// WithSystemActor sets the identity sweeps act as.
func WithSystemActor(id string) Option {
	return func(e *Engine) { e.system = model.SystemActor(id) }
}

// WithSweepWorkers bounds the number of work items a sweep processes at
// once.
func WithSweepWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLockStripes sets the number of per-aggregate lock stripes.
func WithLockStripes(n int) Option {
	return func(e *Engine) { e.locks = NewStripedLocks(n) }
}

// Engine runs transitions for work items.
type Engine struct {
	*Projector

	registry  *definition.Registry
	store     eventstore.EventStore
	items     WorkItemSource
	evaluator *condition.Evaluator
	notifier  Notifier
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
	policy    EscalationPolicy
	locks     *StripedLocks
	system    model.Actor

	initialStage     string
	snapshotInterval int64
	workers          int
}

// NewEngine creates a workflow engine.
func NewEngine(registry *definition.Registry, store eventstore.EventStore, items WorkItemSource, opts ...Option) *Engine {
	e := &Engine{
		registry:         registry,
		store:            store,
		items:            items,
		notifier:         nopNotifier{},
		recorder:         nopRecorder{},
		logger:           zap.NewNop(),
		now:              func() time.Time { return eventstore.Stamp(time.Now()) },
		policy:           DefaultEscalationPolicy(),
		locks:            NewStripedLocks(defaultLockStripes),
		system:           model.SystemActor(""),
		initialStage:     model.DefaultInitialStage,
		snapshotInterval: defaultSnapshotInterval,
		workers:          defaultSweepWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.evaluator = condition.NewEvaluator(e.logger)
	e.Projector = NewProjector(registry, store, e.logger)
	return e
}

// Now reads the engine clock at stored event precision. Callers that default
// times relative to "now" use it so they agree with event timestamps.
func (e *Engine) Now() time.Time {
	return eventstore.Stamp(e.now())
}

// SystemActor returns the identity sweeps act as.
func (e *Engine) SystemActor() model.Actor {
	return e.system
}

// Start enters a work item into the initial stage of its scope. Starting an
// item twice fails with CONCURRENT_MODIFICATION.
func (e *Engine) Start(ctx context.Context, workItemID string, actor model.Actor) (model.DerivedState, error) {
	if actor.ID == "" {
		return model.DerivedState{}, model.NewUnauthorizedError("an actor is required")
	}
	if err := model.ValidateWorkItemID(workItemID); err != nil {
		return model.DerivedState{}, err
	}
	item, err := e.items.Get(ctx, workItemID)
	if err != nil {
		return model.DerivedState{}, err
	}

	snap := e.registry.Snapshot()
	stage, ok := snap.Stage(item.Scope, e.initialStage)
	if !ok || !stage.Active() {
		return model.DerivedState{}, model.NewConfigurationInvalidError(
			fmt.Sprintf("initial stage %q is not configured for scope %q", e.initialStage, item.Scope), nil)
	}

	ev, err := e.newEvent(ctx, item.ID, model.EventStageEntered, actor, model.StageEnteredPayload{
		Scope:   item.Scope,
		ToStage: stage.ID,
	})
	if err != nil {
		return model.DerivedState{}, err
	}
	state, _, err := e.commit(ctx, model.DerivedState{WorkItemID: item.ID}, ev)
	if err != nil {
		if model.IsCode(err, model.ErrConcurrentModification) {
			return model.DerivedState{}, model.NewConcurrentModificationError(
				fmt.Sprintf("work item %q is already started", item.ID))
		}
		return model.DerivedState{}, err
	}

	e.recorder.RecordTransition(item.Scope, "", stage.ID, model.EventStageEntered)
	e.attemptLogger(ctx, item.ID, actor).Info("work item started",
		zap.String("to", stage.ID),
		zap.String("scope", item.Scope),
		zap.String("outcome", StatusAdvanced),
	)
	return state, nil
}

// GetAvailableTransitions lists the transitions actor may take from the
// work item's current stage. A guard that fails to evaluate hides its
// transition.
func (e *Engine) GetAvailableTransitions(ctx context.Context, workItemID string, actor model.Actor) ([]model.Transition, error) {
	snap := e.registry.Snapshot()
	state, err := e.GetCurrentState(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	item, err := e.items.Get(ctx, workItemID)
	if err != nil {
		return nil, err
	}

	current, _ := snap.Stage(state.Scope, state.CurrentStage)
	now := e.now()
	var out []model.Transition
	for _, t := range snap.Outgoing(state.CurrentStage, state.Scope) {
		if target, ok := snap.Stage(state.Scope, t.To); !ok || !target.Active() {
			continue
		}
		ok, err := e.evaluator.CanTransition(ctx, condition.Input{
			Transition: t,
			Program:    snap.Program(t),
			Stage:      current,
			Item:       item,
			State:      state,
			Actor:      actor,
			Now:        now,
		})
		if err != nil || !ok {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Advance moves a work item to req.TargetStage. The guard is re-evaluated
// against a single configuration snapshot. Approval-gated transitions open
// an approval request and return StatusApprovalPending instead.
func (e *Engine) Advance(ctx context.Context, req AdvanceRequest, actor model.Actor) (res AdvanceResult, err error) {
	ctx, span := observability.StartWorkItemSpan(ctx, "advance", req.WorkItemID,
		observability.AttrTargetStage.String(req.TargetStage),
		observability.AttrActorID.String(actor.ID),
	)
	var from, scope string
	defer func() {
		e.logAttempt(ctx, req.WorkItemID, from, req.TargetStage, actor, res, err)
		if err != nil {
			e.recorder.RecordTransitionRejected(scope, model.CodeOf(err))
		}
		observability.EndSpan(span, err)
	}()

	// 1. Validate the request.
	if req.WorkItemID == "" || req.TargetStage == "" {
		return AdvanceResult{}, model.NewBadRequestError("work_item_id and target_stage are required")
	}
	if actor.ID == "" {
		return AdvanceResult{}, model.NewUnauthorizedError("an actor is required")
	}

	// 2. Pin the configuration and load the current state.
	snap := e.registry.Snapshot()
	state, err := e.GetCurrentState(ctx, req.WorkItemID)
	if err != nil {
		return AdvanceResult{}, err
	}
	from, scope = state.CurrentStage, state.Scope

	// 3. Reject stale callers before doing any work.
	if req.ExpectedVersion != 0 && req.ExpectedVersion != state.Version {
		return AdvanceResult{}, model.NewConcurrentModificationError(fmt.Sprintf(
			"work item %q is at version %d, expected %d", req.WorkItemID, state.Version, req.ExpectedVersion))
	}

	item, err := e.items.Get(ctx, req.WorkItemID)
	if err != nil {
		return AdvanceResult{}, err
	}

	// 4. Validate the edge, then append.
	return e.advance(ctx, snap, state, item, req.TargetStage, actor, req.Comment)
}

func (e *Engine) advance(
	ctx context.Context,
	snap *definition.Snapshot,
	state model.DerivedState,
	item model.WorkItem,
	target string,
	actor model.Actor,
	comment string,
) (AdvanceResult, error) {
	t, err := e.authorize(ctx, snap, state, item, target, actor)
	if err != nil {
		return AdvanceResult{}, err
	}

	if t.RequiresApproval() {
		if actor.System {
			return AdvanceResult{}, model.NewTransitionNotAllowedError(
				fmt.Sprintf("transition %s requires approval", t.ID))
		}
		return e.openApproval(ctx, state, t, actor, comment)
	}

	evType := model.EventStageEntered
	if actor.System {
		evType = model.EventAutoAdvanced
	}
	ev, err := e.newEvent(ctx, state.WorkItemID, evType, actor, model.StageEnteredPayload{
		Scope:        state.Scope,
		FromStage:    state.CurrentStage,
		ToStage:      target,
		TransitionID: t.ID,
		Comment:      comment,
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	next, events, err := e.commit(ctx, state, ev)
	if err != nil {
		return AdvanceResult{}, err
	}

	e.afterTransition(ctx, snap, t, next, actor)
	last := events[len(events)-1]
	return AdvanceResult{Status: StatusAdvanced, State: next, Event: &last}, nil
}

// authorize resolves the edge from the current stage to target and checks
// its guard.
func (e *Engine) authorize(
	ctx context.Context,
	snap *definition.Snapshot,
	state model.DerivedState,
	item model.WorkItem,
	target string,
	actor model.Actor,
) (model.Transition, error) {
	t, ok := snap.Edge(state.CurrentStage, target, state.Scope)
	if !ok {
		return model.Transition{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("no active transition from %q to %q", state.CurrentStage, target))
	}
	if st, ok := snap.Stage(state.Scope, target); !ok || !st.Active() {
		return model.Transition{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("stage %q is not active", target))
	}

	current, _ := snap.Stage(state.Scope, state.CurrentStage)
	allowed, err := e.evaluator.CanTransition(ctx, condition.Input{
		Transition: t,
		Program:    snap.Program(t),
		Stage:      current,
		Item:       item,
		State:      state,
		Actor:      actor,
		Now:        e.now(),
	})
	if err != nil {
		return model.Transition{}, err
	}
	if !allowed {
		return model.Transition{}, model.NewTransitionNotAllowedError(
			fmt.Sprintf("actor %q may not take transition %s", actor.ID, t.ID))
	}
	return t, nil
}

// newEvent builds an event stamped with the engine clock and the caller's
// correlation id.
func (e *Engine) newEvent(ctx context.Context, workItemID string, typ model.EventType, actor model.Actor, payload any) (model.WorkflowEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return model.WorkflowEvent{
		ID:            uuid.NewString(),
		AggregateID:   workItemID,
		AggregateType: model.AggregateWorkItem,
		Type:          typ,
		Payload:       raw,
		ActorID:       actor.ID,
		CorrelationID: model.CorrelationIDFrom(ctx),
		Timestamp:     eventstore.Stamp(e.now()),
	}, nil
}

// commit appends events after state.Version and folds them. Losing the
// version race is reported as CONCURRENT_MODIFICATION; the state is only
// advanced once the append succeeded.
func (e *Engine) commit(ctx context.Context, state model.DerivedState, events ...model.WorkflowEvent) (model.DerivedState, []model.WorkflowEvent, error) {
	if _, err := e.store.Append(ctx, state.WorkItemID, state.Version, events...); err != nil {
		if model.IsCode(err, model.ErrVersionConflict) {
			return state, nil, model.NewConcurrentModificationError(fmt.Sprintf(
				"work item %q changed after version %d; re-read and retry", state.WorkItemID, state.Version))
		}
		return state, nil, err
	}

	for i := range events {
		events[i].Version = state.Version + int64(i) + 1
	}
	next, err := FoldFrom(state, events)
	if err != nil {
		return state, nil, fmt.Errorf("fold appended events: %w", err)
	}
	e.maybeSnapshot(ctx, state.Version, next)
	return next, events, nil
}

// maybeSnapshot caches state when the append crossed a snapshot boundary.
// Snapshot failures only cost replay time.
func (e *Engine) maybeSnapshot(ctx context.Context, before int64, state model.DerivedState) {
	if e.snapshotInterval <= 0 || state.Version/e.snapshotInterval == before/e.snapshotInterval {
		return
	}
	raw, err := json.Marshal(state)
	if err == nil {
		err = e.store.SaveSnapshot(ctx, model.WorkflowSnapshot{
			AggregateID: state.WorkItemID,
			Version:     state.Version,
			State:       raw,
			CreatedAt:   e.now(),
		})
	}
	if err != nil {
		e.logger.Warn("snapshot not saved",
			zap.String("work_item_id", state.WorkItemID),
			zap.Int64("version", state.Version),
			zap.Error(err))
	}
}

// afterTransition emits metrics and the transition notification.
func (e *Engine) afterTransition(ctx context.Context, snap *definition.Snapshot, t model.Transition, state model.DerivedState, actor model.Actor) {
	evType := model.EventStageEntered
	switch {
	case actor.System:
		evType = model.EventAutoAdvanced
	case t.RequiresApproval():
		evType = model.EventApproved
	}
	e.recorder.RecordTransition(state.Scope, t.From, t.To, evType)

	if !t.NotificationRequired {
		return
	}
	recipients := t.NotifyRoles
	if len(recipients) == 0 {
		if target, ok := snap.Stage(state.Scope, t.To); ok {
			recipients = target.AllowedRoles
		}
	}
	e.notify(ctx, model.TemplateTransitionCompleted, state.WorkItemID, recipients, map[string]any{
		"scope":         state.Scope,
		"from_stage":    t.From,
		"to_stage":      t.To,
		"transition_id": t.ID,
		"actor_id":      actor.ID,
		"version":       state.Version,
	})
}

// notify hands one notification per recipient role to the notifier.
// Failures are logged and never surface to the caller.
func (e *Engine) notify(ctx context.Context, template, workItemID string, recipients []string, data map[string]any) {
	if len(recipients) == 0 {
		e.logger.Debug("notification has no recipients",
			zap.String("template", template), zap.String("work_item_id", workItemID))
		return
	}
	for _, role := range recipients {
		n := model.Notification{
			ID:            uuid.NewString(),
			Recipient:     role,
			Template:      template,
			WorkItemID:    workItemID,
			CorrelationID: model.CorrelationIDFrom(ctx),
			Context:       data,
			CreatedAt:     e.now(),
		}
		if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
			e.logger.Warn("notification not dispatched",
				zap.String("template", template),
				zap.String("recipient", role),
				zap.String("work_item_id", workItemID),
				zap.Error(err))
		}
	}
}

func (e *Engine) attemptLogger(ctx context.Context, workItemID string, actor model.Actor) *zap.Logger {
	return observability.ContextLogger(ctx, e.logger).With(
		zap.String("work_item_id", workItemID),
		zap.String("actor_id", actor.ID),
	)
}

// logAttempt records every transition attempt with its outcome.
func (e *Engine) logAttempt(ctx context.Context, workItemID, from, to string, actor model.Actor, res AdvanceResult, err error) {
	l := e.attemptLogger(ctx, workItemID, actor).With(
		zap.String("from", from),
		zap.String("to", to),
	)
	if err != nil {
		l.Info("transition attempt failed", zap.String("outcome", model.CodeOf(err)), zap.Error(err))
		return
	}
	l.Info("transition attempt", zap.String("outcome", res.Status), zap.Int64("version", res.State.Version))
}
