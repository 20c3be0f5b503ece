package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/stageflow/model"
)

func hours(h float64) *float64 { return &h }

func testDefs() []model.ScopeDefinition {
	return []model.ScopeDefinition{
		{
			Scope: model.GlobalScope,
			Stages: []model.Stage{
				{ID: "Intake", Name: "Intake", DisplayOrder: 10},
				{ID: "Review", Name: "Review", DisplayOrder: 20, SLAHours: hours(24), AllowedRoles: []string{"reviewer"}},
				{ID: "Approved", Name: "Approved", DisplayOrder: 30, Terminal: true},
				{ID: "Archived", Name: "Archived", DisplayOrder: 50, Deactivated: true},
			},
			Transitions: []model.Transition{
				{ID: "t-intake-review", From: "Intake", To: "Review"},
				{ID: "t-review-approved", From: "Review", To: "Approved", RequiredRole: "lead"},
				{ID: "t-review-intake", From: "Review", To: "Intake"},
				{ID: "t-old", From: "Review", To: "Archived", Deactivated: true},
			},
		},
		{
			Scope: "emea",
			Stages: []model.Stage{
				{ID: "Review", Name: "EMEA Review", DisplayOrder: 20, SLAHours: hours(48)},
				{ID: "Legal", Name: "Legal", DisplayOrder: 25},
			},
			Transitions: []model.Transition{
				{ID: "e-review-approved", From: "Review", To: "Approved", RequiredRole: "emea-lead"},
				{ID: "e-review-legal", From: "Review", To: "Legal"},
			},
		},
	}
}

func TestSnapshot_Stages(t *testing.T) {
	s := NewSnapshot(1, testDefs())

	global := s.Stages(model.GlobalScope)
	if len(global) != 3 {
		t.Fatalf("global Stages = %d, want 3 (deactivated excluded)", len(global))
	}
	if global[0].ID != "Intake" || global[2].ID != "Approved" {
		t.Errorf("global order = %s,%s,%s", global[0].ID, global[1].ID, global[2].ID)
	}

	emea := s.Stages("emea")
	if len(emea) != 4 {
		t.Fatalf("emea Stages = %d, want 4", len(emea))
	}
	if emea[1].Name != "EMEA Review" {
		t.Errorf("emea Review not overridden: %q", emea[1].Name)
	}
	if emea[2].ID != "Legal" {
		t.Errorf("emea Stages[2] = %q, want Legal", emea[2].ID)
	}
}

func TestSnapshot_Stage(t *testing.T) {
	s := NewSnapshot(1, testDefs())

	st, ok := s.Stage("emea", "Review")
	if !ok || st.Scope != "emea" {
		t.Errorf("Stage(emea, Review) = %+v, %v", st, ok)
	}
	st, ok = s.Stage("apac", "Review")
	if !ok || st.Scope != model.GlobalScope {
		t.Errorf("Stage(apac, Review) should fall back to global, got %+v, %v", st, ok)
	}
	st, ok = s.Stage("", "Archived")
	if !ok || st.Active() {
		t.Errorf("Stage(Archived) = %+v, %v; want deactivated stage", st, ok)
	}
	if _, ok := s.Stage("", "Nope"); ok {
		t.Error("Stage(Nope) should not be found")
	}
}

func TestSnapshot_Outgoing_merges_scope(t *testing.T) {
	s := NewSnapshot(1, testDefs())

	global := s.Outgoing("Review", model.GlobalScope)
	if len(global) != 2 {
		t.Fatalf("global Outgoing(Review) = %d, want 2", len(global))
	}
	if global[0].To != "Intake" || global[1].To != "Approved" {
		t.Errorf("global Outgoing order = %s, %s", global[0].To, global[1].To)
	}

	emea := s.Outgoing("Review", "emea")
	if len(emea) != 3 {
		t.Fatalf("emea Outgoing(Review) = %d, want 3", len(emea))
	}
	var approved model.Transition
	for _, tr := range emea {
		if tr.To == "Approved" {
			approved = tr
		}
	}
	if approved.ID != "e-review-approved" || approved.RequiredRole != "emea-lead" {
		t.Errorf("scoped edge should win, got %s", approved)
	}

	if _, ok := s.Edge("Review", "Archived", model.GlobalScope); ok {
		t.Error("deactivated edge should not be returned")
	}
}

func TestSnapshot_Transitions(t *testing.T) {
	s := NewSnapshot(1, testDefs())
	if got := len(s.Transitions(model.GlobalScope)); got != 3 {
		t.Errorf("global Transitions = %d, want 3", got)
	}
	if got := len(s.Transitions("emea")); got != 4 {
		t.Errorf("emea Transitions = %d, want 4", got)
	}
	tr, ok := s.Transition("emea", "t-intake-review")
	if !ok || tr.Scope != model.GlobalScope {
		t.Errorf("Transition(emea, t-intake-review) = %+v, %v", tr, ok)
	}
}

func TestSnapshot_Program_compiled_once(t *testing.T) {
	defs := testDefs()
	defs[0].Transitions[0].Condition = "urgency > 1"
	s := NewSnapshot(1, defs)
	tr, _ := s.Transition("", "t-intake-review")
	p1 := s.Program(tr)
	p2 := s.Program(tr)
	if p1 != p2 {
		t.Error("Program should return the precompiled instance")
	}
	if p1.Err != nil {
		t.Errorf("Program.Err = %v", p1.Err)
	}
}

func TestSnapshot_Checksum_deterministic(t *testing.T) {
	a := NewSnapshot(1, testDefs())
	b := NewSnapshot(7, testDefs())
	if a.Checksum() != b.Checksum() {
		t.Error("equal content should produce equal checksums")
	}
	defs := testDefs()
	defs[0].Stages[0].Name = "Inbox"
	if NewSnapshot(1, defs).Checksum() == a.Checksum() {
		t.Error("different content should produce different checksums")
	}
}

func TestRegistry_Replace_bumps_version(t *testing.T) {
	r := NewRegistry(testDefs())
	if r.Snapshot().Version() != 1 {
		t.Fatalf("initial Version = %d, want 1", r.Snapshot().Version())
	}
	old := r.Snapshot()
	next := r.Replace(testDefs()[:1])
	if next.Version() != 2 {
		t.Errorf("Version after Replace = %d, want 2", next.Version())
	}
	if len(old.Stages("emea")) != 4 {
		t.Error("old snapshot must stay unchanged after Replace")
	}
	if len(r.Snapshot().Stages("emea")) != 3 {
		t.Error("new snapshot should drop the emea overrides")
	}
}

func TestRegistry_Publish_rejects_stale(t *testing.T) {
	r := NewRegistry(testDefs())
	if r.Publish(NewSnapshot(1, nil)) {
		t.Error("Publish should reject a snapshot that is not newer")
	}
	if !r.Publish(NewSnapshot(5, nil)) {
		t.Error("Publish should accept a newer snapshot")
	}
	if r.Snapshot().Version() != 5 {
		t.Errorf("Version = %d, want 5", r.Snapshot().Version())
	}
}

func TestRegistry_concurrent_access(t *testing.T) {
	r := NewRegistry(testDefs())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			snap := r.Snapshot()
			_ = snap.Outgoing("Review", "emea")
			_ = snap.Stages("emea")
		}()
		go func() {
			defer wg.Done()
			r.Replace(testDefs())
		}()
	}
	wg.Wait()

	if got := r.Snapshot().Version(); got != 101 {
		t.Errorf("Version = %d, want 101", got)
	}
}
