package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func serveJSON(t *testing.T, h http.Handler, path string, into any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code
}

func TestHandleHealth(t *testing.T) {
	v, c := Version, Commit
	Version, Commit = "0.4.0", "9f2c1ab"
	t.Cleanup(func() { Version, Commit = v, c })

	var resp HealthResponse
	if code := serveJSON(t, HandleHealth(), "/health", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp != (HealthResponse{Status: "ok", Version: "0.4.0", Commit: "9f2c1ab"}) {
		t.Errorf("resp = %+v", resp)
	}
}

func healthy() HealthChecker { return HealthCheckFunc(func(context.Context) error { return nil }) }

func failing(msg string) HealthChecker {
	return HealthCheckFunc(func(context.Context) error { return errors.New(msg) })
}

func TestHandleReady(t *testing.T) {
	loaded := func() bool { return true }

	tests := []struct {
		name   string
		checks ReadinessChecks
		ready  bool
		want   map[string]string
	}{
		{"definitions only", ReadinessChecks{DefinitionsLoaded: loaded}, true,
			map[string]string{"definitions": "ok"}},
		{"nothing published", ReadinessChecks{DefinitionsLoaded: func() bool { return false }}, false,
			map[string]string{"definitions": "no definitions loaded"}},
		{"no definitions probe", ReadinessChecks{}, false,
			map[string]string{"definitions": "no definitions loaded"}},
		{"all healthy", ReadinessChecks{DefinitionsLoaded: loaded, EventStore: healthy(), Notifications: healthy()}, true,
			map[string]string{"definitions": "ok", "event_store": "ok", "notifications": "ok"}},
		{"event store down", ReadinessChecks{DefinitionsLoaded: loaded, EventStore: failing("connection refused")}, false,
			map[string]string{"definitions": "ok", "event_store": "connection refused"}},
		{"sink circuit open", ReadinessChecks{DefinitionsLoaded: loaded, EventStore: healthy(), Notifications: failing("circuit open")}, false,
			map[string]string{"definitions": "ok", "event_store": "ok", "notifications": "circuit open"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ReadinessResponse
			code := serveJSON(t, HandleReady(tt.checks), "/ready", &resp)

			wantCode, wantStatus := http.StatusOK, "ready"
			if !tt.ready {
				wantCode, wantStatus = http.StatusServiceUnavailable, "not_ready"
			}
			if code != wantCode || resp.Status != wantStatus {
				t.Errorf("got %d %q, want %d %q", code, resp.Status, wantCode, wantStatus)
			}
			if len(resp.Checks) != len(tt.want) {
				t.Errorf("checks = %+v", resp.Checks)
			}
			for name, want := range tt.want {
				got := resp.Checks[name]
				if want == "ok" {
					if got.Status != "ok" || got.Error != "" {
						t.Errorf("%s = %+v", name, got)
					}
					continue
				}
				if got.Status != "error" || got.Error != want {
					t.Errorf("%s = %+v, want error %q", name, got, want)
				}
			}
		})
	}
}

// Each probe waits for the other; run serially both would hit the timeout.
func TestHandleReady_probesConcurrently(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)
	rendezvous := HealthCheckFunc(func(ctx context.Context) error {
		barrier.Done()
		done := make(chan struct{})
		go func() { barrier.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var resp ReadinessResponse
	code := serveJSON(t, HandleReady(ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		EventStore:        rendezvous,
		Notifications:     rendezvous,
	}), "/ready", &resp)
	if code != http.StatusOK {
		t.Errorf("status = %d, checks = %+v", code, resp.Checks)
	}
}
