package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/eventstore"
	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/identity"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/internal/workitem"
	"github.com/pitabwire/stageflow/model"
)

func hours(h float64) *float64 { return &h }

// testDefs is a small pipeline:
//
//	Intake -> Review -> Approved | Rejected | Funded (approval-gated)
func testDefs() []model.ScopeDefinition {
	return []model.ScopeDefinition{{
		Scope: model.GlobalScope,
		Stages: []model.Stage{
			{ID: "Intake", Name: "Intake", DisplayOrder: 10, AllowedRoles: []string{"requester"}},
			{ID: "Review", Name: "Review", DisplayOrder: 20, SLAHours: hours(24), AllowedRoles: []string{"reviewer"}},
			{ID: "Approved", Name: "Approved", DisplayOrder: 30, Terminal: true},
			{ID: "Funded", Name: "Funded", DisplayOrder: 35, RequiresApproval: true, Terminal: true},
			{ID: "Rejected", Name: "Rejected", DisplayOrder: 40, Terminal: true},
		},
		Transitions: []model.Transition{
			{ID: "t-intake-review", From: "Intake", To: "Review"},
			{ID: "t-review-approved", From: "Review", To: "Approved", RequiredRole: "reviewer", Condition: "priority_score >= 50"},
			{ID: "t-review-budget", From: "Review", To: "Funded", Condition: "capacity > 0", ApproverRoles: []string{"finance", "security"}},
			{ID: "t-review-rejected", From: "Review", To: "Rejected", RequiredRole: "reviewer"},
		},
	}}
}

type memoryHealth struct{}

func (memoryHealth) HealthCheck(context.Context) error { return nil }

type testServer struct {
	handler http.Handler
	engine  *workflow.Engine
}

func newTestServer(t *testing.T, opts ...workflow.Option) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://ops.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	created := time.Now().UTC().Add(-time.Hour)
	items := workitem.NewMemoryRepository(
		model.WorkItem{ID: "item-1", Title: "Laptop fleet", PriorityScore: 80, Capacity: 3, CreatedAt: created},
		model.WorkItem{ID: "item-2", Title: "Office move", PriorityScore: 75, Capacity: 3, CreatedAt: created},
		model.WorkItem{ID: "item-3", Title: "Desk plants", PriorityScore: 10, Capacity: 1, CreatedAt: created},
	)
	store := eventstore.NewMemoryStore()
	registry := definition.NewRegistry(testDefs())
	engine := workflow.NewEngine(registry, store, items, opts...)
	defs := definition.NewStore(registry, definition.NewValidator(model.DefaultInitialStage), store, engine, zap.NewNop())

	dir := identity.NewDirectory(map[string][]string{
		"rita": {"requester"},
		"ravi": {"reviewer"},
		"fran": {"finance"},
		"sam":  {"security"},
		"ada":  {"workflow_admin"},
	})

	return &testServer{
		engine: engine,
		handler: NewRouter(Dependencies{
			Config:      cfg,
			Logger:      zap.NewNop(),
			Engine:      engine,
			Registry:    registry,
			Definitions: defs,
			WorkItems:   items,
			Resolver:    dir,
			Idempotency: idempotency.NewMemoryStore(time.Minute),
			Readiness: observability.ReadinessChecks{
				DefinitionsLoaded: func() bool { return len(registry.Snapshot().Scopes()) > 0 },
				EventStore:        memoryHealth{},
			},
		}),
	}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.doWithHeaders(t, method, path, actor, body, nil)
}

func (s *testServer) doWithHeaders(t *testing.T, method, path, actor string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v (body %q)", v, err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, strings.TrimSpace(w.Body.String()))
	}
}

// --- Public routes ---

func TestNewRouter_publicRoutes(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := s.do(t, "GET", path, "", nil)
			expectStatus(t, w, 200)
		})
	}
}

func TestNewRouter_actorRequired(t *testing.T) {
	s := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/v1/work-items/item-1/start"},
		{"GET", "/v1/work-items/item-1/state"},
		{"GET", "/v1/work-items/item-1/transitions"},
		{"POST", "/v1/work-items/item-1/advance"},
		{"POST", "/v1/work-items/item-1/approvals"},
		{"POST", "/v1/work-items/item-1/approvals/decision"},
		{"GET", "/v1/work-items/item-1/sla"},
		{"GET", "/v1/sla/violations"},
		{"GET", "/v1/reports/bottlenecks"},
		{"GET", "/v1/reports/metrics"},
		{"GET", "/v1/config/stages"},
		{"POST", "/v1/sweeps/sla"},
	}
	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := s.do(t, tc.method, tc.path, "", nil)
			expectStatus(t, w, 401)
			if ee := decodeEnvelope(t, w); ee.Code != model.ErrUnauthorized {
				t.Errorf("code = %q", ee.Code)
			}
		})
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/v2/nothing", "ravi", nil)
	expectStatus(t, w, 404)
}

func TestNewRouter_correlationHeaderEchoed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/config/stages", nil)
	req.Header.Set("X-Actor-Id", "ravi")
	req.Header.Set(HeaderCorrelationID, "corr-abc")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	expectStatus(t, w, 200)
	if got := w.Header().Get(HeaderCorrelationID); got != "corr-abc" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
}

// --- Work item lifecycle ---

func TestWorkItemLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/work-items/item-1/start", "rita", nil)
	expectStatus(t, w, 201)
	state := decodeBody[model.DerivedState](t, w)
	if state.CurrentStage != "Intake" || state.Version != 1 {
		t.Fatalf("started state = %+v", state)
	}

	w = s.do(t, "POST", "/v1/work-items/item-1/start", "rita", nil)
	expectStatus(t, w, 409)

	w = s.do(t, "GET", "/v1/work-items/item-1/transitions", "rita", nil)
	expectStatus(t, w, 200)
	avail := decodeBody[struct {
		Data []model.Transition `json:"data"`
	}](t, w)
	if len(avail.Data) != 1 || avail.Data[0].ID != "t-intake-review" {
		t.Errorf("available = %+v", avail.Data)
	}

	w = s.do(t, "POST", "/v1/work-items/item-1/advance", "rita", map[string]any{
		"target_stage": "Review", "expected_version": 1,
	})
	expectStatus(t, w, 200)
	res := decodeBody[workflow.AdvanceResult](t, w)
	if res.Status != workflow.StatusAdvanced || res.State.CurrentStage != "Review" || res.State.Version != 2 {
		t.Fatalf("advance result = %+v", res)
	}

	// A caller holding the old version loses.
	w = s.do(t, "POST", "/v1/work-items/item-1/advance", "ravi", map[string]any{
		"target_stage": "Approved", "expected_version": 1,
	})
	expectStatus(t, w, 409)
	if ee := decodeEnvelope(t, w); ee.Code != model.ErrConcurrentModification {
		t.Errorf("code = %q", ee.Code)
	}

	// The requester does not hold the reviewer role.
	w = s.do(t, "POST", "/v1/work-items/item-1/advance", "rita", map[string]any{"target_stage": "Approved"})
	expectStatus(t, w, 422)
	if ee := decodeEnvelope(t, w); ee.Code != model.ErrTransitionNotAllowed {
		t.Errorf("code = %q", ee.Code)
	}

	w = s.do(t, "GET", "/v1/work-items/item-1/sla", "ravi", nil)
	expectStatus(t, w, 200)
	sla := decodeBody[map[string]any](t, w)
	if sla["tracked"] != true {
		t.Errorf("Review has an SLA, got %v", sla)
	}

	w = s.do(t, "POST", "/v1/work-items/item-1/advance", "ravi", map[string]any{
		"target_stage": "Approved", "expected_version": 2, "comment": "looks good",
	})
	expectStatus(t, w, 200)

	w = s.do(t, "GET", "/v1/work-items/item-1/state", "ravi", nil)
	expectStatus(t, w, 200)
	state = decodeBody[model.DerivedState](t, w)
	if state.CurrentStage != "Approved" || state.PreviousStage != "Review" {
		t.Errorf("state = %+v", state)
	}

	w = s.do(t, "GET", "/v1/work-items/item-1/sla", "ravi", nil)
	expectStatus(t, w, 200)
	if sla := decodeBody[map[string]any](t, w); sla["tracked"] != false {
		t.Errorf("terminal stage should not be tracked, got %v", sla)
	}
}

func TestGetState_asOf(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-1/start", "rita", nil), 201)

	before := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	w := s.do(t, "GET", "/v1/work-items/item-1/state?as_of="+before, "ravi", nil)
	expectStatus(t, w, 404)

	after := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	w = s.do(t, "GET", "/v1/work-items/item-1/state?as_of="+after, "ravi", nil)
	expectStatus(t, w, 200)
	if st := decodeBody[model.DerivedState](t, w); st.CurrentStage != "Intake" {
		t.Errorf("replayed stage = %q", st.CurrentStage)
	}

	w = s.do(t, "GET", "/v1/work-items/item-1/state?as_of=yesterday", "ravi", nil)
	expectStatus(t, w, 400)
}

func TestGetState_unknownWorkItem(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/v1/work-items/nope/state", "ravi", nil)
	expectStatus(t, w, 404)
}

func TestAdvance_badBody(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-1/start", "rita", nil), 201)

	w := s.do(t, "POST", "/v1/work-items/item-1/advance", "rita", map[string]any{"stage": "Review"})
	expectStatus(t, w, 400)

	w = s.do(t, "POST", "/v1/work-items/item-1/advance", "rita", map[string]any{})
	expectStatus(t, w, 400)
}

// --- Approvals ---

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-2/start", "rita", nil), 201)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-2/advance", "rita", map[string]any{"target_stage": "Review"}), 200)

	w := s.do(t, "POST", "/v1/work-items/item-2/approvals", "ravi", map[string]any{
		"transition_id": "t-review-budget", "comment": "needs budget",
	})
	expectStatus(t, w, 202)
	res := decodeBody[workflow.AdvanceResult](t, w)
	if res.Status != workflow.StatusApprovalPending || res.Approval == nil {
		t.Fatalf("request result = %+v", res)
	}

	w = s.do(t, "POST", "/v1/work-items/item-2/approvals/decision", "fran", map[string]any{})
	expectStatus(t, w, 400)

	// Only outstanding approver roles may decide.
	w = s.do(t, "POST", "/v1/work-items/item-2/approvals/decision", "ravi", map[string]any{"approved": true})
	expectStatus(t, w, 422)

	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-2/approvals/decision", "fran", map[string]any{"approved": true}), 200)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-2/approvals/decision", "sam", map[string]any{"approved": true}), 200)

	w = s.do(t, "GET", "/v1/work-items/item-2/state", "ravi", nil)
	expectStatus(t, w, 200)
	state := decodeBody[model.DerivedState](t, w)
	if state.CurrentStage != "Funded" || state.PendingApproval != nil {
		t.Errorf("state after approvals = %+v", state)
	}
}

func TestApprovalRejection(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-2/start", "rita", nil), 201)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-2/advance", "rita", map[string]any{"target_stage": "Review"}), 200)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-2/approvals", "ravi", map[string]any{"transition_id": "t-review-budget"}), 202)

	w := s.do(t, "POST", "/v1/work-items/item-2/approvals/decision", "sam", map[string]any{"approved": false, "comment": "no"})
	expectStatus(t, w, 200)
	if res := decodeBody[workflow.AdvanceResult](t, w); res.Status != workflow.StatusRejected {
		t.Errorf("status = %q, want rejected", res.Status)
	}

	w = s.do(t, "GET", "/v1/work-items/item-2/state", "ravi", nil)
	state := decodeBody[model.DerivedState](t, w)
	if state.CurrentStage != "Review" || state.PendingApproval != nil {
		t.Errorf("state after rejection = %+v", state)
	}
}

// --- Reports and sweeps ---

func TestReports(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"item-1", "item-3"} {
		expectStatus(t, s.do(t, "POST", "/v1/work-items/"+id+"/start", "rita", nil), 201)
		expectStatus(t, s.do(t, "POST", "/v1/work-items/"+id+"/advance", "rita", map[string]any{"target_stage": "Review"}), 200)
	}

	w := s.do(t, "GET", "/v1/reports/stages-in-use", "ravi", nil)
	expectStatus(t, w, 200)
	inUse := decodeBody[struct {
		Data map[string]int `json:"data"`
	}](t, w)
	if inUse.Data["Review"] != 2 {
		t.Errorf("stages in use = %v", inUse.Data)
	}

	w = s.do(t, "GET", "/v1/sla/violations", "ravi", nil)
	expectStatus(t, w, 200)
	violations := decodeBody[struct {
		Data       []model.SLAStatus `json:"data"`
		TotalCount int               `json:"total_count"`
	}](t, w)
	if violations.TotalCount != 0 {
		t.Errorf("fresh items should not violate, got %+v", violations.Data)
	}

	// Two days from now both Review entries are past their 24h SLA.
	later := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	w = s.do(t, "GET", "/v1/sla/violations?as_of="+later, "ravi", nil)
	expectStatus(t, w, 200)
	violations = decodeBody[struct {
		Data       []model.SLAStatus `json:"data"`
		TotalCount int               `json:"total_count"`
	}](t, w)
	if violations.TotalCount != 2 {
		t.Errorf("violations as of %s = %d, want 2", later, violations.TotalCount)
	}

	expectStatus(t, s.do(t, "GET", "/v1/reports/bottlenecks", "ravi", nil), 200)

	w = s.do(t, "GET", "/v1/reports/metrics", "ravi", nil)
	expectStatus(t, w, 200)
	m := decodeBody[model.WorkflowMetrics](t, w)
	if m.StartedItems != 2 || m.ActiveByStage["Review"] != 2 {
		t.Errorf("metrics = %+v", m)
	}

	from := time.Now().UTC().Format(time.RFC3339)
	to := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	w = s.do(t, "GET", "/v1/reports/metrics?from="+from+"&to="+to, "ravi", nil)
	expectStatus(t, w, 400)
}

func TestSweeps_requireAdmin(t *testing.T) {
	s := newTestServer(t)

	expectStatus(t, s.do(t, "POST", "/v1/sweeps/auto-transitions", "ravi", nil), 403)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-1/auto-advance", "ravi", nil), 403)

	w := s.do(t, "POST", "/v1/sweeps/auto-transitions", "ada", nil)
	expectStatus(t, w, 200)
	if report := decodeBody[workflow.SweepReport](t, w); report.Advanced != 0 {
		t.Errorf("nothing is eligible, got %+v", report)
	}
	expectStatus(t, s.do(t, "POST", "/v1/sweeps/sla", "ada", nil), 200)
}

// --- Configuration admin ---

func TestConfigAdmin(t *testing.T) {
	s := newTestServer(t)

	parked := map[string]any{"id": "Parked", "name": "Parked", "display_order": 50}
	expectStatus(t, s.do(t, "POST", "/v1/config/stages", "ravi", parked), 403)

	w := s.do(t, "POST", "/v1/config/stages", "ada", parked)
	expectStatus(t, w, 201)
	if st := decodeBody[model.Stage](t, w); st.Version != 1 {
		t.Errorf("created stage version = %d, want 1", st.Version)
	}

	w = s.do(t, "POST", "/v1/config/transitions", "ada", map[string]any{
		"id": "t-review-parked", "from": "Review", "to": "Parked", "required_role": "reviewer",
	})
	expectStatus(t, w, 201)

	w = s.do(t, "GET", "/v1/config/stages", "ravi", nil)
	expectStatus(t, w, 200)
	list := decodeBody[struct {
		Data    []model.Stage `json:"data"`
		Version int64         `json:"version"`
	}](t, w)
	found := false
	for _, st := range list.Data {
		found = found || st.ID == "Parked"
	}
	if !found {
		t.Errorf("Parked missing from %+v", list.Data)
	}

	w = s.do(t, "PUT", "/v1/config/stages/Parked", "ada", map[string]any{"name": "On hold", "display_order": 50, "version": 1})
	expectStatus(t, w, 200)
	if st := decodeBody[model.Stage](t, w); st.Name != "On hold" || st.Version != 2 {
		t.Errorf("updated stage = %+v", st)
	}

	// A stale version loses.
	w = s.do(t, "PUT", "/v1/config/stages/Parked", "ada", map[string]any{"name": "Parked", "version": 1})
	expectStatus(t, w, 409)

	w = s.do(t, "GET", "/v1/config/history", "ravi", nil)
	expectStatus(t, w, 200)
	history := decodeBody[struct {
		Data []model.WorkflowEvent `json:"data"`
	}](t, w)
	if len(history.Data) != 3 {
		t.Errorf("history = %d events, want 3", len(history.Data))
	}

	w = s.do(t, "GET", "/v1/config/validate", "ravi", nil)
	expectStatus(t, w, 200)
	if v := decodeBody[map[string]any](t, w); v["valid"] != true {
		t.Errorf("validate = %v", v)
	}

	expectStatus(t, s.do(t, "DELETE", "/v1/config/transitions/t-review-parked", "ada", nil), 204)
	expectStatus(t, s.do(t, "DELETE", "/v1/config/stages/Parked", "ada", nil), 204)
	expectStatus(t, s.do(t, "DELETE", "/v1/config/stages/Parked", "ada", nil), 404)
}

func TestConfigAdmin_stageInUse(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-1/start", "rita", nil), 201)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-1/advance", "rita", map[string]any{"target_stage": "Review"}), 200)

	w := s.do(t, "DELETE", "/v1/config/stages/Review", "ada", nil)
	expectStatus(t, w, 409)
	if ee := decodeEnvelope(t, w); ee.Code != model.ErrConfigurationInUse {
		t.Errorf("code = %q", ee.Code)
	}
}

func TestConfigAdmin_invalidChange(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/config/transitions", "ada", map[string]any{
		"id": "t-bad", "from": "Review", "to": "Nowhere",
	})
	expectStatus(t, w, 422)
	ee := decodeEnvelope(t, w)
	if ee.Code != model.ErrConfigurationInvalid || len(ee.Details) == 0 {
		t.Errorf("envelope = %+v", ee)
	}

	w = s.do(t, "POST", "/v1/config/stages", "ada", map[string]any{"id": "X", "colour": "red"})
	expectStatus(t, w, 400)
}

// --- Work items ---

func TestWorkItems_putAndGet(t *testing.T) {
	s := newTestServer(t)
	item := map[string]any{"title": "Data centre exit", "priority_score": 92, "capacity": 2}

	expectStatus(t, s.do(t, "PUT", "/v1/work-items/item-9", "ravi", item), 403)

	w := s.do(t, "PUT", "/v1/work-items/item-9", "ada", item)
	expectStatus(t, w, 200)
	saved := decodeBody[model.WorkItem](t, w)
	if saved.ID != "item-9" || saved.CreatedAt.IsZero() {
		t.Errorf("saved = %+v", saved)
	}

	w = s.do(t, "GET", "/v1/work-items/item-9", "ravi", nil)
	expectStatus(t, w, 200)
	if got := decodeBody[model.WorkItem](t, w); got.PriorityScore != 92 {
		t.Errorf("priority = %v", got.PriorityScore)
	}

	// A registered item can enter the workflow.
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-9/start", "rita", nil), 201)
	expectStatus(t, s.do(t, "GET", "/v1/work-items/unknown", "ravi", nil), 404)
}

func TestWorkItems_putRejectsReservedID(t *testing.T) {
	s := newTestServer(t)
	item := map[string]any{"title": "Shadow config", "priority_score": 10, "capacity": 1}

	w := s.do(t, "PUT", "/v1/work-items/configuration:emea", "ada", item)
	expectStatus(t, w, 400)
	if ee := decodeEnvelope(t, w); ee.Code != model.ErrBadRequest {
		t.Errorf("code = %s", ee.Code)
	}
	expectStatus(t, s.do(t, "GET", "/v1/work-items/configuration:emea", "ravi", nil), 404)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/configuration:emea/start", "rita", nil), 400)

	// Only the exact aggregate prefix is reserved.
	expectStatus(t, s.do(t, "PUT", "/v1/work-items/configuration-review", "ada", item), 200)
}

func TestEngineClock_drivesHandlerDefaults(t *testing.T) {
	now := time.Date(2031, 5, 4, 12, 0, 0, 0, time.UTC)
	s := newTestServer(t, workflow.WithClock(func() time.Time { return now }))

	w := s.do(t, "PUT", "/v1/work-items/item-9", "ada", map[string]any{"title": "Data centre exit", "capacity": 2})
	expectStatus(t, w, 200)
	if got := decodeBody[model.WorkItem](t, w).CreatedAt; !got.Equal(now) {
		t.Errorf("created_at = %s, want %s", got, now)
	}

	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-1/start", "rita", nil), 201)
	w = s.do(t, "GET", "/v1/reports/metrics", "ravi", nil)
	expectStatus(t, w, 200)
	m := decodeBody[model.WorkflowMetrics](t, w)
	if !m.To.Equal(now) || !m.From.Equal(now.Add(-30*24*time.Hour)) {
		t.Errorf("window = [%s, %s]", m.From, m.To)
	}
	if m.StartedItems != 1 {
		t.Errorf("started = %d, want 1", m.StartedItems)
	}
}

func TestAdvance_idempotencyKey(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, "POST", "/v1/work-items/item-1/start", "rita", nil), 201)

	key := map[string]string{HeaderIdempotencyKey: "adv-1"}
	body := map[string]any{"target_stage": "Review"}

	first := s.doWithHeaders(t, "POST", "/v1/work-items/item-1/advance", "rita", body, key)
	expectStatus(t, first, 200)
	firstBody := first.Body.String()

	retry := s.doWithHeaders(t, "POST", "/v1/work-items/item-1/advance", "rita", body, key)
	expectStatus(t, retry, 200)
	if retry.Header().Get(HeaderIdempotencyReplayed) != "true" {
		t.Error("retry was not served from the idempotency store")
	}
	if retry.Body.String() != firstBody {
		t.Errorf("replayed body differs:\n%s\n%s", firstBody, retry.Body.String())
	}

	w := s.do(t, "GET", "/v1/work-items/item-1/state", "rita", nil)
	if state := decodeBody[model.DerivedState](t, w); state.Version != 2 {
		t.Errorf("version = %d, want 2 (one advance)", state.Version)
	}

	w = s.doWithHeaders(t, "POST", "/v1/work-items/item-1/advance", "rita", map[string]any{"target_stage": "Rejected"}, key)
	expectStatus(t, w, 409)
	if ee := decodeEnvelope(t, w); ee.Code != model.ErrIdempotencyConflict {
		t.Errorf("code = %q", ee.Code)
	}
}
