package workflow

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

const defaultWarningFraction = 0.8

// EscalationTier sets when a work item at or above MinPriorityScore is
// escalated ahead of its SLA. ThresholdHours is the elapsed time in the
// stage that triggers the warning; when zero, ThresholdFraction of the SLA
// is used instead.
type EscalationTier struct {
	MinPriorityScore  float64  `json:"min_priority_score"`
	ThresholdHours    float64  `json:"threshold_hours"`
	ThresholdFraction float64  `json:"threshold_fraction"`
	NotifyRoles       []string `json:"notify_roles"`
}

// EscalationPolicy selects the tier with the highest MinPriorityScore that
// does not exceed the work item's priority score.
type EscalationPolicy struct {
	Tiers []EscalationTier
}

// DefaultEscalationPolicy warns at 80% of the SLA for every priority.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{Tiers: []EscalationTier{{ThresholdFraction: defaultWarningFraction}}}
}

// Tier returns the tier applying to priority.
func (p EscalationPolicy) Tier(priority float64) EscalationTier {
	best := EscalationTier{ThresholdFraction: defaultWarningFraction, MinPriorityScore: -1}
	found := false
	for _, t := range p.Tiers {
		if t.MinPriorityScore <= priority && (!found || t.MinPriorityScore > best.MinPriorityScore) {
			best, found = t, true
		}
	}
	return best
}

// Threshold returns the elapsed time after which a work item with the given
// SLA and priority is escalated. It never exceeds the SLA.
func (p EscalationPolicy) Threshold(sla time.Duration, priority float64) time.Duration {
	tier := p.Tier(priority)
	var d time.Duration
	switch {
	case tier.ThresholdHours > 0:
		d = time.Duration(tier.ThresholdHours * float64(time.Hour))
	case tier.ThresholdFraction > 0:
		d = time.Duration(tier.ThresholdFraction * float64(sla))
	default:
		d = time.Duration(defaultWarningFraction * float64(sla))
	}
	return min(d, sla)
}

// SLAStatus computes the SLA position of state in stage as of asOf. It
// reports false when the stage has no SLA. EscalationDue is left for the
// caller's policy to decide.
func SLAStatus(state model.DerivedState, stage model.Stage, asOf time.Time) (model.SLAStatus, bool) {
	sla, ok := stage.SLA()
	if !ok {
		return model.SLAStatus{}, false
	}
	elapsed := asOf.Sub(state.StageEnteredAt)
	remaining := sla - elapsed
	st := model.SLAStatus{
		WorkItemID:   state.WorkItemID,
		Scope:        state.Scope,
		Stage:        state.CurrentStage,
		EnteredAt:    state.StageEnteredAt,
		SLA:          sla,
		Elapsed:      elapsed,
		Remaining:    remaining,
		Violated:     remaining <= 0,
		EntryVersion: state.StageEntryVersion,
	}
	switch {
	case state.Escalated(model.EscalationBreach):
		st.EscalatedLevel = model.EscalationBreach
	case state.Escalated(model.EscalationWarning):
		st.EscalatedLevel = model.EscalationWarning
	}
	return st, true
}

// slaStatus applies the escalation policy on top of SLAStatus.
func (e *Engine) slaStatus(snap *definition.Snapshot, state model.DerivedState, priority float64, asOf time.Time) (model.SLAStatus, bool) {
	if Terminal(snap, state.Scope, state.CurrentStage) {
		return model.SLAStatus{}, false
	}
	stage, ok := snap.Stage(state.Scope, state.CurrentStage)
	if !ok {
		return model.SLAStatus{}, false
	}
	st, ok := SLAStatus(state, stage, asOf)
	if !ok {
		return model.SLAStatus{}, false
	}
	st.EscalationDue = st.Elapsed >= e.policy.Threshold(st.SLA, priority)
	return st, true
}

// GetSLAStatus returns the SLA position of one work item now. It reports
// false when the current stage has no SLA or ends the workflow.
func (e *Engine) GetSLAStatus(ctx context.Context, workItemID string) (model.SLAStatus, bool, error) {
	state, err := e.GetCurrentState(ctx, workItemID)
	if err != nil {
		return model.SLAStatus{}, false, err
	}
	st, ok := e.slaStatus(e.registry.Snapshot(), state, e.priority(ctx, workItemID), e.now())
	return st, ok, nil
}

// GetViolations lists every non-terminal work item whose SLA has run out,
// most overdue first. With a non-nil asOf each work item is replayed to
// that instant and measured against it.
func (e *Engine) GetViolations(ctx context.Context, asOf *time.Time) ([]model.SLAStatus, error) {
	at := e.now()
	if asOf != nil {
		at = *asOf
	}
	states, err := e.States(ctx, asOf)
	if err != nil {
		return nil, err
	}

	snap := e.registry.Snapshot()
	perScope := make(map[string]int)
	var out []model.SLAStatus
	for _, state := range states {
		st, ok := e.slaStatus(snap, state, 0, at)
		if !ok || !st.Violated {
			continue
		}
		out = append(out, st)
		perScope[st.Scope]++
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Remaining != out[j].Remaining {
			return out[i].Remaining < out[j].Remaining
		}
		return out[i].WorkItemID < out[j].WorkItemID
	})

	if asOf == nil {
		for _, scope := range snap.Scopes() {
			e.recorder.SetSLAViolations(scope, perScope[scope])
		}
	}
	return out, nil
}

// SweepReport summarizes one scheduler or SLA sweep.
type SweepReport struct {
	Examined  int           `json:"examined"`
	Advanced  int           `json:"advanced"`
	Escalated int           `json:"escalated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// ProcessSLANotifications escalates work items that crossed their warning
// threshold or breached their SLA. An escalation is recorded at most once
// per stage entry and level, so repeated sweeps in the same violation window
// append nothing. A breach recorded first makes the warning unnecessary.
func (e *Engine) ProcessSLANotifications(ctx context.Context) (SweepReport, error) {
	ctx, span := observability.StartSweepSpan(ctx, "sla")
	start := time.Now()

	states, err := e.States(ctx, nil)
	if err != nil {
		observability.EndSweepSpan(span, 0, 0, 0, err)
		return SweepReport{}, err
	}

	snap := e.registry.Snapshot()
	now := e.now()
	var candidates []string
	for _, state := range states {
		st, ok := e.slaStatus(snap, state, 0, now)
		if !ok || st.EscalatedLevel == model.EscalationBreach {
			continue
		}
		// The warning threshold depends on priority; escalate decides.
		if st.EscalatedLevel == "" || st.Violated {
			candidates = append(candidates, state.WorkItemID)
		}
	}

	var escalated, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, id := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := e.escalate(gctx, id)
			switch {
			case err != nil:
				failed.Add(1)
				e.logger.Error("sla escalation failed", zap.String("work_item_id", id), zap.Error(err))
			case ok:
				escalated.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	report := SweepReport{
		Examined:  len(candidates),
		Escalated: int(escalated.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
		Duration:  time.Since(start),
	}
	e.logger.Info("sla sweep finished",
		zap.Int("examined", report.Examined),
		zap.Int("escalated", report.Escalated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	observability.EndSweepSpan(span, report.Examined, report.Escalated, report.Failed, err)
	return report, err
}

// escalate appends the next due escalation for one work item under its
// aggregate lock.
func (e *Engine) escalate(ctx context.Context, workItemID string) (bool, error) {
	unlock := e.locks.Lock(workItemID)
	defer unlock()

	snap := e.registry.Snapshot()
	state, err := e.GetCurrentState(ctx, workItemID)
	if err != nil {
		return false, err
	}
	priority := e.priority(ctx, workItemID)
	now := e.now()
	st, ok := e.slaStatus(snap, state, priority, now)
	if !ok {
		return false, nil
	}

	threshold := st.SLA
	var level string
	switch {
	case st.Violated && !state.Escalated(model.EscalationBreach):
		level = model.EscalationBreach
	case !st.Violated && st.EscalationDue && st.EscalatedLevel == "":
		level = model.EscalationWarning
		threshold = e.policy.Threshold(st.SLA, priority)
	default:
		return false, nil
	}

	ev, err := e.newEvent(ctx, workItemID, model.EventSLAEscalated, e.system, model.SLAEscalatedPayload{
		Stage:             state.CurrentStage,
		StageEntryVersion: state.StageEntryVersion,
		Level:             level,
		ElapsedHours:      st.Elapsed.Hours(),
		ThresholdHours:    threshold.Hours(),
	})
	if err != nil {
		return false, err
	}
	if _, _, err := e.commit(ctx, state, ev); err != nil {
		if model.IsCode(err, model.ErrConcurrentModification) {
			e.logger.Debug("work item moved during escalation", zap.String("work_item_id", workItemID))
			return false, nil
		}
		return false, err
	}

	e.recorder.RecordEscalation(level)
	recipients := e.policy.Tier(priority).NotifyRoles
	if len(recipients) == 0 {
		if stage, ok := snap.Stage(state.Scope, state.CurrentStage); ok {
			recipients = stage.AllowedRoles
		}
	}
	template := model.TemplateSLAWarning
	if level == model.EscalationBreach {
		template = model.TemplateSLABreach
	}
	e.notify(ctx, template, workItemID, recipients, map[string]any{
		"scope":           state.Scope,
		"stage":           state.CurrentStage,
		"level":           level,
		"elapsed_hours":   st.Elapsed.Hours(),
		"threshold_hours": threshold.Hours(),
		"sla_hours":       st.SLA.Hours(),
	})
	e.logger.Info("sla escalated",
		zap.String("work_item_id", workItemID),
		zap.String("stage", state.CurrentStage),
		zap.String("level", level),
		zap.Int64("stage_entry_version", state.StageEntryVersion),
	)
	return true, nil
}

// priority returns the work item's priority score, 0 when it is unknown.
func (e *Engine) priority(ctx context.Context, workItemID string) float64 {
	item, err := e.items.Get(ctx, workItemID)
	if err != nil {
		return 0
	}
	return item.PriorityScore
}
