package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/stageflow/model"
)

func TestEscalationPolicy_Threshold(t *testing.T) {
	policy := EscalationPolicy{Tiers: []EscalationTier{
		{MinPriorityScore: 0, ThresholdFraction: 0.75},
		{MinPriorityScore: 50, ThresholdFraction: 0.5},
		{MinPriorityScore: 90, ThresholdHours: 1},
		{MinPriorityScore: 99, ThresholdHours: 100},
	}}
	sla := 24 * time.Hour

	tests := []struct {
		name     string
		priority float64
		want     time.Duration
	}{
		{"lowest tier", 10, 18 * time.Hour},
		{"middle tier", 50, 12 * time.Hour},
		{"absolute hours", 95, time.Hour},
		{"capped at sla", 100, sla},
		{"below every tier", -5, time.Duration(0.8 * float64(sla))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Threshold(sla, tt.priority); got != tt.want {
				t.Errorf("Threshold(%v) = %v, want %v", tt.priority, got, tt.want)
			}
		})
	}

	if got := DefaultEscalationPolicy().Threshold(10*time.Hour, 0); got != 8*time.Hour {
		t.Errorf("default threshold = %v, want 8h", got)
	}
}

func TestSLAStatus(t *testing.T) {
	stage := model.Stage{ID: "Review", SLAHours: hours(24)}
	state := model.DerivedState{
		WorkItemID:        "item-1",
		CurrentStage:      "Review",
		StageEnteredAt:    t0,
		StageEntryVersion: 2,
		Escalations: []model.Escalation{
			{Stage: "Review", StageEntryVersion: 2, Level: model.EscalationWarning},
		},
	}

	st, ok := SLAStatus(state, stage, t0.Add(30*time.Hour))
	if !ok {
		t.Fatal("SLAStatus() reported no SLA")
	}
	if !st.Violated || st.Remaining != -6*time.Hour || st.Elapsed != 30*time.Hour {
		t.Errorf("status = %+v", st)
	}
	if st.EscalatedLevel != model.EscalationWarning || st.EntryVersion != 2 {
		t.Errorf("escalation = %q at v%d", st.EscalatedLevel, st.EntryVersion)
	}

	st, _ = SLAStatus(state, stage, t0.Add(24*time.Hour))
	if !st.Violated {
		t.Error("zero remaining time is a violation")
	}

	// Escalations of an earlier entry into the stage do not count.
	state.StageEntryVersion = 5
	st, _ = SLAStatus(state, stage, t0)
	if st.EscalatedLevel != "" {
		t.Errorf("EscalatedLevel = %q for a fresh entry", st.EscalatedLevel)
	}

	if _, ok := SLAStatus(state, model.Stage{ID: "Intake"}, t0); ok {
		t.Error("stage without SLA reported a status")
	}
}

func countEscalations(t *testing.T, f *fixture, id string) map[string]int {
	t.Helper()
	events, err := f.store.ReadStream(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("ReadStream() error = %v", err)
	}
	out := map[string]int{}
	for _, ev := range events {
		if ev.Type != model.EventSLAEscalated {
			continue
		}
		var p model.SLAEscalatedPayload
		if err := ev.Decode(&p); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		out[p.Level]++
	}
	return out
}

func TestEngine_ProcessSLANotifications_idempotent(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	startInReview(t, e, f, "item-1")

	// Default warning threshold is 80% of 24h.
	f.clock.Set(t0.Add(20 * time.Hour))
	for i := range 2 {
		report, err := e.ProcessSLANotifications(ctx)
		if err != nil {
			t.Fatalf("sweep %d error = %v", i, err)
		}
		if want := 1 - i; report.Escalated != want {
			t.Errorf("sweep %d escalated %d, want %d", i, report.Escalated, want)
		}
	}

	f.clock.Set(t0.Add(25 * time.Hour))
	for range 3 {
		if _, err := e.ProcessSLANotifications(ctx); err != nil {
			t.Fatalf("ProcessSLANotifications() error = %v", err)
		}
	}

	got := countEscalations(t, f, "item-1")
	if got[model.EscalationWarning] != 1 || got[model.EscalationBreach] != 1 {
		t.Errorf("escalations = %v, want one warning and one breach", got)
	}

	if n := len(f.notifier.byTemplate(model.TemplateSLAWarning)); n != 1 {
		t.Errorf("warning notifications = %d, want 1", n)
	}
	breach := f.notifier.byTemplate(model.TemplateSLABreach)
	if len(breach) != 1 || breach[0].Recipient != "reviewer" {
		t.Errorf("breach notifications = %+v", breach)
	}

	st, ok, err := e.GetSLAStatus(ctx, "item-1")
	if err != nil || !ok {
		t.Fatalf("GetSLAStatus() = %v, %v", ok, err)
	}
	if st.EscalatedLevel != model.EscalationBreach {
		t.Errorf("EscalatedLevel = %q, want breach", st.EscalatedLevel)
	}
}

func TestEngine_ProcessSLANotifications_breachSupersedesWarning(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()
	startInReview(t, e, f, "item-2")

	f.clock.Set(t0.Add(30 * time.Hour))
	for range 2 {
		if _, err := e.ProcessSLANotifications(ctx); err != nil {
			t.Fatalf("ProcessSLANotifications() error = %v", err)
		}
	}

	got := countEscalations(t, f, "item-2")
	if got[model.EscalationWarning] != 0 || got[model.EscalationBreach] != 1 {
		t.Errorf("escalations = %v, want a single breach", got)
	}
}

func TestEngine_ProcessSLANotifications_priorityTier(t *testing.T) {
	policy := EscalationPolicy{Tiers: []EscalationTier{
		{MinPriorityScore: 0, ThresholdFraction: 0.8},
		{MinPriorityScore: 70, ThresholdHours: 2, NotifyRoles: []string{"lead"}},
	}}
	e, f := newTestEngine(t, WithEscalationPolicy(policy))
	ctx := context.Background()
	startInReview(t, e, f, "item-1")   // priority 80
	startInReview(t, e, f, "item-low") // priority 10

	f.clock.Set(t0.Add(3 * time.Hour))
	report, err := e.ProcessSLANotifications(ctx)
	if err != nil {
		t.Fatalf("ProcessSLANotifications() error = %v", err)
	}
	if report.Escalated != 1 {
		t.Errorf("escalated = %d, want 1", report.Escalated)
	}
	if got := countEscalations(t, f, "item-1"); got[model.EscalationWarning] != 1 {
		t.Errorf("item-1 escalations = %v", got)
	}
	if got := countEscalations(t, f, "item-low"); len(got) != 0 {
		t.Errorf("item-low escalations = %v, want none", got)
	}

	warned := f.notifier.byTemplate(model.TemplateSLAWarning)
	if len(warned) != 1 || warned[0].Recipient != "lead" {
		t.Errorf("warning notifications = %+v", warned)
	}
}

func TestEngine_GetViolations_skipsTerminalAndSLAFreeStages(t *testing.T) {
	e, f := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Start(ctx, "item-2", requester); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	startInReview(t, e, f, "item-1")
	f.clock.Set(t0.Add(time.Hour))
	if _, err := e.Advance(ctx, AdvanceRequest{WorkItemID: "item-1", TargetStage: "Rejected"}, reviewer); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	f.clock.Set(t0.Add(100 * time.Hour))
	v, err := e.GetViolations(ctx, nil)
	if err != nil {
		t.Fatalf("GetViolations() error = %v", err)
	}
	if len(v) != 0 {
		t.Errorf("violations = %+v, want none", v)
	}
}
