package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/eventstore"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// Projector derives read models from the event log. It never appends
// events.
type Projector struct {
	registry *definition.Registry
	store    eventstore.EventStore
	logger   *zap.Logger
}

// NewProjector creates a Projector.
func NewProjector(registry *definition.Registry, store eventstore.EventStore, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{registry: registry, store: store, logger: logger}
}

// GetCurrentState folds the latest snapshot, if any, and the events after
// it. An unreadable snapshot is ignored and the full stream is replayed.
func (p *Projector) GetCurrentState(ctx context.Context, workItemID string) (model.DerivedState, error) {
	ctx, span := observability.StartWorkItemSpan(ctx, "replay", workItemID)
	state, err := p.currentState(ctx, workItemID)
	observability.EndSpan(span, err)
	return state, err
}

func (p *Projector) currentState(ctx context.Context, workItemID string) (model.DerivedState, error) {
	state := model.DerivedState{WorkItemID: workItemID}

	snap, ok, err := p.store.LoadSnapshot(ctx, workItemID)
	if err != nil {
		p.logger.Warn("snapshot load failed, replaying full stream",
			zap.String("work_item_id", workItemID), zap.Error(err))
	} else if ok {
		var cached model.DerivedState
		if err := json.Unmarshal(snap.State, &cached); err != nil || cached.Version != snap.Version {
			p.logger.Warn("discarding unreadable snapshot",
				zap.String("work_item_id", workItemID), zap.Int64("version", snap.Version), zap.Error(err))
		} else {
			state = cached
		}
	}

	tail, err := p.store.ReadStream(ctx, workItemID, state.Version+1)
	if err != nil {
		return model.DerivedState{}, err
	}
	state, err = FoldFrom(state, tail)
	if err != nil {
		return model.DerivedState{}, fmt.Errorf("fold %s: %w", workItemID, err)
	}
	if state.Version == 0 {
		return model.DerivedState{}, model.NewNotFoundError(fmt.Sprintf("work item %q has no workflow history", workItemID))
	}
	return state, nil
}

// ReplayAsOf folds only the events recorded at or before asOf.
func (p *Projector) ReplayAsOf(ctx context.Context, workItemID string, asOf time.Time) (model.DerivedState, error) {
	ctx, span := observability.StartWorkItemSpan(ctx, "replay_as_of", workItemID)
	defer span.End()

	events, err := p.store.ReadStream(ctx, workItemID, 0)
	if err != nil {
		return model.DerivedState{}, err
	}
	state, err := Fold(workItemID, prefixAsOf(events, asOf))
	if err != nil {
		return model.DerivedState{}, fmt.Errorf("fold %s: %w", workItemID, err)
	}
	if state.Version == 0 {
		return model.DerivedState{}, model.NewNotFoundError(
			fmt.Sprintf("work item %q has no workflow history as of %s", workItemID, asOf.Format(time.RFC3339)))
	}
	return state, nil
}

// prefixAsOf returns the longest prefix of version-ordered events with
// timestamps at or before asOf.
func prefixAsOf(events []model.WorkflowEvent, asOf time.Time) []model.WorkflowEvent {
	for i, ev := range events {
		if ev.Timestamp.After(asOf) {
			return events[:i]
		}
	}
	return events
}

// States folds every work item stream. A non-nil asOf folds each stream up
// to that instant and leaves out items that did not exist yet. Streams that
// fail to fold are logged and skipped.
func (p *Projector) States(ctx context.Context, asOf *time.Time) ([]model.DerivedState, error) {
	streams, err := p.streams(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.DerivedState, 0, len(ids))
	for _, id := range ids {
		events := streams[id]
		if asOf != nil {
			events = prefixAsOf(events, *asOf)
		}
		state, err := Fold(id, events)
		if err != nil {
			p.logger.Error("skipping unfoldable work item", zap.String("work_item_id", id), zap.Error(err))
			continue
		}
		if state.Version == 0 {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func (p *Projector) streams(ctx context.Context) (map[string][]model.WorkflowEvent, error) {
	events, err := p.store.ReadAll(ctx, model.AggregateWorkItem)
	if err != nil {
		return nil, err
	}
	streams := make(map[string][]model.WorkflowEvent)
	for _, ev := range events {
		streams[ev.AggregateID] = append(streams[ev.AggregateID], ev)
	}
	for _, s := range streams {
		sort.Slice(s, func(i, j int) bool { return s[i].Version < s[j].Version })
	}
	return streams, nil
}

// Terminal reports whether stageID ends the workflow in scope: it is flagged
// terminal or has no active outgoing transitions.
func Terminal(snap *definition.Snapshot, scope, stageID string) bool {
	if st, ok := snap.Stage(scope, stageID); ok && st.Terminal {
		return true
	}
	return len(snap.Outgoing(stageID, scope)) == 0
}

// StagesInUse counts non-terminal work items per current stage. An empty
// scope counts every scope.
func (p *Projector) StagesInUse(ctx context.Context, scope string) (map[string]int, error) {
	states, err := p.States(ctx, nil)
	if err != nil {
		return nil, err
	}
	snap := p.registry.Snapshot()
	inUse := make(map[string]int)
	for _, s := range states {
		if scope != model.GlobalScope && s.Scope != scope {
			continue
		}
		if Terminal(snap, s.Scope, s.CurrentStage) {
			continue
		}
		inUse[s.CurrentStage]++
	}
	return inUse, nil
}

// GetBottlenecks pairs consecutive stage entries of every work item in scope
// and returns the average dwell per stage, slowest first. Stages a work item
// still occupies do not contribute.
func (p *Projector) GetBottlenecks(ctx context.Context, scope string) ([]model.StageDwell, error) {
	streams, err := p.streams(ctx)
	if err != nil {
		return nil, err
	}

	type acc struct {
		visits int
		total  time.Duration
		max    time.Duration
	}
	byStage := make(map[string]*acc)

	for id, events := range streams {
		var (
			itemScope string
			prev      *model.WorkflowEvent
			prevStage string
		)
		for i := range events {
			ev := events[i]
			if !ev.Type.EntersStage() {
				continue
			}
			var payload model.StageEnteredPayload
			if err := ev.Decode(&payload); err != nil {
				p.logger.Warn("skipping undecodable stage entry",
					zap.String("work_item_id", id), zap.Int64("version", ev.Version), zap.Error(err))
				continue
			}
			if prev == nil {
				itemScope = payload.Scope
			}
			if prev != nil && (scope == model.GlobalScope || itemScope == scope) {
				dwell := ev.Timestamp.Sub(prev.Timestamp)
				a := byStage[prevStage]
				if a == nil {
					a = &acc{}
					byStage[prevStage] = a
				}
				a.visits++
				a.total += dwell
				a.max = max(a.max, dwell)
			}
			prev = &events[i]
			prevStage = payload.ToStage
		}
	}

	out := make([]model.StageDwell, 0, len(byStage))
	for stage, a := range byStage {
		out = append(out, model.StageDwell{
			Stage:        stage,
			Visits:       a.visits,
			AverageDwell: a.total / time.Duration(a.visits),
			MaxDwell:     a.max,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AverageDwell != out[j].AverageDwell {
			return out[i].AverageDwell > out[j].AverageDwell
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

// GetWorkflowMetrics summarizes the events recorded in [from, to] for scope.
// ActiveByStage reflects the state of every non-terminal item as of to.
func (p *Projector) GetWorkflowMetrics(ctx context.Context, from, to time.Time, scope string) (model.WorkflowMetrics, error) {
	if to.Before(from) {
		return model.WorkflowMetrics{}, model.NewBadRequestError("metrics window ends before it starts")
	}
	streams, err := p.streams(ctx)
	if err != nil {
		return model.WorkflowMetrics{}, err
	}

	snap := p.registry.Snapshot()
	m := model.WorkflowMetrics{
		Scope:         scope,
		From:          from,
		To:            to,
		StageEntries:  map[string]int{},
		ActiveByStage: map[string]int{},
	}
	var cycleTotal time.Duration

	for id, events := range streams {
		state, err := Fold(id, prefixAsOf(events, to))
		if err != nil {
			p.logger.Error("skipping unfoldable work item", zap.String("work_item_id", id), zap.Error(err))
			continue
		}
		if state.Version == 0 || (scope != model.GlobalScope && state.Scope != scope) {
			continue
		}
		if !Terminal(snap, state.Scope, state.CurrentStage) {
			m.ActiveByStage[state.CurrentStage]++
		}

		for _, ev := range events {
			if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
				continue
			}
			switch ev.Type {
			case model.EventRejected:
				m.Rejections++
				continue
			case model.EventSLAEscalated:
				m.Escalations++
				continue
			}
			if !ev.Type.EntersStage() {
				continue
			}

			var payload model.StageEnteredPayload
			if err := ev.Decode(&payload); err != nil {
				continue
			}
			m.StageEntries[payload.ToStage]++
			switch {
			case ev.Type == model.EventAutoAdvanced:
				m.Transitions++
				m.AutoAdvances++
			case ev.Type == model.EventApproved:
				m.Transitions++
				m.Approvals++
			case payload.FromStage == "":
				m.StartedItems++
			default:
				m.Transitions++
			}
			if payload.FromStage != "" && Terminal(snap, state.Scope, payload.ToStage) {
				m.CompletedItems++
				cycleTotal += ev.Timestamp.Sub(state.CreatedAt)
			}
		}
	}

	if m.CompletedItems > 0 {
		m.AverageCycleTime = cycleTotal / time.Duration(m.CompletedItems)
	}
	return m, nil
}
