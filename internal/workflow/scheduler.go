package workflow

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

const autoTransitionComment = "auto-transition"

// ProcessAutoTransitions sweeps every work item sitting in an
// auto-transition stage and fires the first eligible auto-transition edge.
// Work items are processed in parallel, bounded by the sweep worker limit,
// and serialized per aggregate.
func (e *Engine) ProcessAutoTransitions(ctx context.Context) (SweepReport, error) {
	ctx, span := observability.StartSweepSpan(ctx, "auto_transitions")
	start := time.Now()

	states, err := e.States(ctx, nil)
	if err != nil {
		observability.EndSweepSpan(span, 0, 0, 0, err)
		e.recorder.RecordAutoTransitionSweep("error", 0, time.Since(start))
		return SweepReport{}, err
	}

	snap := e.registry.Snapshot()
	var candidates []string
	for _, state := range states {
		if len(autoEdges(snap, state)) > 0 {
			candidates = append(candidates, state.WorkItemID)
		}
	}

	var advanced, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, id := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := e.ProcessAutoTransitionsForWorkItem(gctx, id)
			switch {
			case err != nil:
				failed.Add(1)
			case ok:
				advanced.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	report := SweepReport{
		Examined: len(candidates),
		Advanced: int(advanced.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	outcome := "ok"
	if err != nil || report.Failed > 0 {
		outcome = "error"
	}
	e.recorder.RecordAutoTransitionSweep(outcome, report.Advanced, report.Duration)
	e.logger.Info("auto-transition sweep finished",
		zap.Int("examined", report.Examined),
		zap.Int("advanced", report.Advanced),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	observability.EndSweepSpan(span, report.Examined, report.Advanced, report.Failed, err)
	return report, err
}

// ProcessAutoTransitionsForWorkItem fires the first eligible
// auto-transition of one work item as the system actor. An edge is eligible
// when both the current stage and the edge are marked auto-transition, its
// delay has elapsed since the stage was entered and its guard passes. It
// reports whether the work item advanced; losing a race to another writer
// is not an error. A guard that cannot be evaluated blocks only its own edge
// and is reported when no other edge fired.
func (e *Engine) ProcessAutoTransitionsForWorkItem(ctx context.Context, workItemID string) (bool, error) {
	unlock := e.locks.Lock(workItemID)
	defer unlock()

	snap := e.registry.Snapshot()
	state, err := e.GetCurrentState(ctx, workItemID)
	if err != nil {
		return false, err
	}
	edges := autoEdges(snap, state)
	if len(edges) == 0 {
		return false, nil
	}
	item, err := e.items.Get(ctx, workItemID)
	if err != nil {
		return false, err
	}

	now := e.now()
	var guardErr error
	for _, t := range edges {
		if now.Sub(state.StageEnteredAt) < t.AutoDelay() {
			continue
		}
		res, err := e.advance(ctx, snap, state, item, t.To, e.system, autoTransitionComment)
		switch {
		case err == nil:
			e.logAttempt(ctx, workItemID, state.CurrentStage, t.To, e.system, res, nil)
			return true, nil
		case model.IsCode(err, model.ErrTransitionNotAllowed):
			continue
		case model.IsCode(err, model.ErrConfigurationInvalid):
			// A broken guard closes its own edge; later edges still get a turn.
			e.logAttempt(ctx, workItemID, state.CurrentStage, t.To, e.system, res, err)
			if guardErr == nil {
				guardErr = err
			}
			continue
		case model.IsCode(err, model.ErrConcurrentModification):
			e.logger.Debug("work item moved during auto-transition", zap.String("work_item_id", workItemID))
			return false, nil
		default:
			e.logAttempt(ctx, workItemID, state.CurrentStage, t.To, e.system, res, err)
			return false, err
		}
	}
	return false, guardErr
}

// autoEdges returns the auto-transition edges leaving state's stage, or
// none when the stage itself is not auto-transition eligible or an approval
// is pending.
func autoEdges(snap *definition.Snapshot, state model.DerivedState) []model.Transition {
	if state.PendingApproval != nil {
		return nil
	}
	stage, ok := snap.Stage(state.Scope, state.CurrentStage)
	if !ok || !stage.Active() || !stage.AutoTransition {
		return nil
	}
	var out []model.Transition
	for _, t := range snap.Outgoing(state.CurrentStage, state.Scope) {
		if t.AutoTransition {
			out = append(out, t)
		}
	}
	return out
}
