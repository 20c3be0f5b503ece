// Package integration provides a reusable test harness for end-to-end
// testing of the stageflow server. It starts a full HTTP server over the
// YAML definitions in testdata, a real event store and the notification
// dispatcher, with an optional webhook receiver standing in for the
// messaging service.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/eventstore"
	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/identity"
	"github.com/pitabwire/stageflow/internal/notify"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/transport"
	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/internal/workitem"
	"github.com/pitabwire/stageflow/model"
)

// Actors from testdata/actors.yaml.
const (
	Requester = "rita"
	Reviewer  = "ravi"
	Finance   = "fran"
	Security  = "sam"
	Admin     = "ada"
	Disabled  = "gone"
)

// TestHarness encapsulates a fully wired stageflow instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Events      eventstore.EventStore
	RawEvents   eventstore.EventStore
	WorkItems   *workitem.MemoryRepository
	Engine      *workflow.Engine
	Definitions *definition.Store
	Dispatcher  *notify.Dispatcher
	Metrics     *observability.Metrics
	Clock       *Clock
	Redis       *miniredis.Miniredis

	receiver *WebhookReceiver
	cfg      *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	redisStore     bool
	webhook        bool
	breaker        config.CircuitBreakerConfig
	tiers          []workflow.EscalationTier
	handlerTimeout time.Duration
	restartFrom    *TestHarness
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithRedisStore keeps events in an in-process Redis instead of memory.
func WithRedisStore() HarnessOption {
	return func(c *harnessConfig) {
		c.redisStore = true
	}
}

// WithWebhook delivers notifications to a WebhookReceiver.
func WithWebhook() HarnessOption {
	return func(c *harnessConfig) {
		c.webhook = true
	}
}

// WithCircuitBreaker sets the notification sink's breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithEscalationTiers replaces the default escalation policy.
func WithEscalationTiers(tiers ...workflow.EscalationTier) HarnessOption {
	return func(c *harnessConfig) {
		c.tiers = tiers
	}
}

// WithRestartFrom boots over prev's event store and work items and
// replays the configuration change log, as a restarted server would.
func WithRestartFrom(prev *TestHarness) HarnessOption {
	return func(c *harnessConfig) {
		c.restartFrom = prev
	}
}

// NewTestHarness creates and starts a full stageflow test instance. The
// server and dispatcher are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	h := &TestHarness{t: t, Clock: NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))}
	logger := zap.NewNop()

	// Step 1: Load definitions.
	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	validator := definition.NewValidator(model.DefaultInitialStage)
	if verrs := validator.ValidateDefinitions(defs); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)
	if verrs := validator.ValidateAll(h.Registry.Snapshot()); len(verrs) > 0 {
		t.Fatalf("workflow graph invalid: %v", verrs)
	}

	// Step 2: Build stores.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	var raw eventstore.EventStore
	var storeHealth observability.HealthChecker
	switch prev := hc.restartFrom; {
	case prev != nil:
		raw, h.WorkItems, h.Redis, h.Clock = prev.RawEvents, prev.WorkItems, prev.Redis, prev.Clock
		storeHealth, _ = raw.(observability.HealthChecker)
	case hc.redisStore:
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr(), MaxRetries: -1})
		t.Cleanup(func() { client.Close() })
		rs := eventstore.NewRedisStore(client, "stageflow-it")
		raw, storeHealth = rs, rs
	default:
		raw = eventstore.NewMemoryStore()
	}
	if h.WorkItems == nil {
		h.WorkItems = workitem.NewMemoryRepository()
	}
	h.RawEvents = raw
	h.Events = eventstore.WithRecorder(raw, h.Metrics)

	// Step 3: Identity.
	dir, err := identity.NewStaticDirectory(filepath.Join(testdataDir(), "actors.yaml"))
	if err != nil {
		t.Fatalf("load actors: %v", err)
	}
	resolver := identity.NewCachedResolver(dir, time.Minute, h.Metrics)

	// Step 4: Notifications.
	var sink notify.Sink = notify.NewLogSink(logger)
	if hc.webhook {
		h.receiver = newWebhookReceiver(t)
		sink = notify.NewWebhookSink(h.receiver.URL(), 2*time.Second)
	}
	h.Dispatcher = notify.NewDispatcher(sink, config.NotificationsConfig{
		Workers:        1,
		QueueSize:      256,
		CircuitBreaker: hc.breaker,
	}, notify.WithRecorder(h.Metrics), notify.WithLogger(logger))
	h.Dispatcher.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Dispatcher.Close(ctx)
	})

	// Step 5: Engine and configuration store.
	engineOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithNotifier(h.Dispatcher),
		workflow.WithRecorder(h.Metrics),
		workflow.WithClock(h.Clock.Now),
	}
	if len(hc.tiers) > 0 {
		engineOpts = append(engineOpts, workflow.WithEscalationPolicy(workflow.EscalationPolicy{Tiers: hc.tiers}))
	}
	h.Engine = workflow.NewEngine(h.Registry, h.Events, h.WorkItems, engineOpts...)
	h.Definitions = definition.NewStore(h.Registry, validator, h.Events, h.Engine, logger)
	if hc.restartFrom != nil {
		if err := h.Definitions.Restore(context.Background()); err != nil {
			t.Fatalf("restore configuration: %v", err)
		}
	}

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}

	var idem idempotency.Store = idempotency.NewMemoryStore(time.Minute)
	if h.Redis != nil {
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr(), MaxRetries: -1})
		t.Cleanup(func() { client.Close() })
		idem = idempotency.NewRedisStore(client)
	}

	// Step 7: Build router with full middleware chain.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(h.Registry.Snapshot().Scopes()) > 0 },
		Notifications:     h.Dispatcher,
	}
	if storeHealth != nil {
		readiness.EventStore = storeHealth
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:      h.cfg,
		Logger:      logger,
		Engine:      h.Engine,
		Registry:    h.Registry,
		Definitions: h.Definitions,
		WorkItems:   h.WorkItems,
		Resolver:    resolver,
		Metrics:     h.Metrics,
		Readiness:   readiness,
		Idempotency: idem,
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Webhook returns the notification receiver. Fails the test when the
// harness was built without WithWebhook.
func (h *TestHarness) Webhook() *WebhookReceiver {
	if h.receiver == nil {
		h.t.Fatal("harness built without WithWebhook")
	}
	return h.receiver
}

// RegisterWorkItem stores a work item through the API as the admin actor.
func (h *TestHarness) RegisterWorkItem(t *testing.T, item model.WorkItem) {
	t.Helper()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = h.Clock.Now()
	}
	resp := h.PUT("/v1/work-items/"+item.ID, item, Admin)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- HTTP client helpers ---

// GET performs a GET request as actor.
func (h *TestHarness) GET(path, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, actor, nil)
}

// POST performs a POST request with a JSON body as actor.
func (h *TestHarness) POST(path string, body any, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, actor, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, actor string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, actor, headers)
}

// PUT performs a PUT request with a JSON body as actor.
func (h *TestHarness) PUT(path string, body any, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, actor, nil)
}

// DELETE performs a DELETE request as actor.
func (h *TestHarness) DELETE(path, actor string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, actor, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, actor string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope's code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Clock ---

// Clock is a settable time source shared with the engine.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// WorkItemFixture returns a global-scope work item.
func WorkItemFixture(id string, priority, capacity float64) model.WorkItem {
	return model.WorkItem{
		ID:            id,
		Title:         fmt.Sprintf("Work item %s", id),
		PriorityScore: priority,
		Capacity:      capacity,
		Urgency:       2,
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
