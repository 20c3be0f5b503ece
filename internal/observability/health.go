package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set through -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of GET /ready. Status is "ready" or
// "not_ready".
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency; Status is "ok" or "error".
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the event stores and the notification
// dispatcher.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready probes. The definitions check always
// runs: without published stages no transition can be evaluated. Nil
// checkers are skipped.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	EventStore        HealthChecker
	Notifications     HealthChecker
}

var errNoDefinitions = errors.New("no definitions loaded")

func (c ReadinessChecks) checkers() map[string]HealthChecker {
	loaded := c.DefinitionsLoaded
	m := map[string]HealthChecker{
		"definitions": HealthCheckFunc(func(context.Context) error {
			if loaded == nil || !loaded() {
				return errNoDefinitions
			}
			return nil
		}),
	}
	if c.EventStore != nil {
		m["event_store"] = c.EventStore
	}
	if c.Notifications != nil {
		m["notifications"] = c.Notifications
	}
	return m
}

const checkTimeout = 2 * time.Second

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves readiness, probing every dependency concurrently. Any
// failing check answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	probes := checks.checkers()
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(probes))}
		var mu sync.Mutex
		var g errgroup.Group
		for name, checker := range probes {
			g.Go(func() error {
				res := probe(r.Context(), checker)
				mu.Lock()
				resp.Checks[name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status := http.StatusOK
		for _, res := range resp.Checks {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func probe(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
