package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/identity"
	"github.com/pitabwire/stageflow/model"
)

var ok200 = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	mw := Recovery(zap.New(core))

	w := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("guard table corrupt") })).
		ServeHTTP(w, httptest.NewRequest("POST", "/v1/work-items/wi-1/advance", nil))
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), model.ErrInternal) {
		t.Errorf("panic response = %d %s", w.Code, w.Body)
	}
	entries := logs.FilterMessage("panic recovered").All()
	if len(entries) != 1 || entries[0].ContextMap()["path"] != "/v1/work-items/wi-1/advance" {
		t.Errorf("panic log = %+v", entries)
	}

	w = httptest.NewRecorder()
	mw(ok200).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("pass-through status = %d", w.Code)
	}
}

func TestRecovery_abortHandlerPropagates(t *testing.T) {
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestCORS(t *testing.T) {
	mw := CORS(config.CORSConfig{
		AllowedOrigins: []string{"https://ops.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"X-Actor-Id", "Idempotency-Key"},
		MaxAge:         600,
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/v1/work-items/wi-1/advance", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		w := httptest.NewRecorder()
		mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Error("preflight reached the handler")
		})).ServeHTTP(w, req)

		h := w.Header()
		if w.Code != http.StatusNoContent || h.Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
			t.Errorf("preflight = %d %v", w.Code, h)
		}
		if h.Get("Access-Control-Allow-Headers") != "X-Actor-Id, Idempotency-Key" || h.Get("Access-Control-Max-Age") != "600" {
			t.Errorf("headers = %v", h)
		}
		if !strings.Contains(h.Get("Access-Control-Expose-Headers"), HeaderIdempotencyReplayed) {
			t.Errorf("expose = %q", h.Get("Access-Control-Expose-Headers"))
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/stages", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		mw(ok200).ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("foreign origin = %d %v", w.Code, w.Header())
		}
	})
}

func TestCorrelation(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"absent", "", false},
		{"adopted", "corr-123", true},
		{"too long", strings.Repeat("x", maxCorrelationIDLen+1), false},
		{"whitespace", "corr 123", false},
		{"control char", "corr\x01", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			req := httptest.NewRequest("GET", "/", nil)
			if tt.inbound != "" {
				req.Header.Set(HeaderCorrelationID, tt.inbound)
			}
			w := httptest.NewRecorder()
			Correlation(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
			})).ServeHTTP(w, req)

			if seen == "" || w.Header().Get(HeaderCorrelationID) != seen {
				t.Fatalf("context %q, header %q", seen, w.Header().Get(HeaderCorrelationID))
			}
			if (seen == tt.inbound) != tt.keep {
				t.Errorf("correlation id = %q, keep inbound = %v", seen, tt.keep)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(ok200).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	for _, kv := range securityHeaders {
		if got := w.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestResolveActor(t *testing.T) {
	dir := identity.NewDirectory(map[string][]string{"ravi": {"reviewer"}, "svc-intake": {"requester"}})

	tests := []struct {
		name        string
		header      string
		actor       string
		correlation bool
		wantCode    int
	}{
		{"known actor", "", "ravi", true, http.StatusOK},
		{"padded id", "", "  ravi ", true, http.StatusOK},
		{"missing header", "", "", true, http.StatusUnauthorized},
		{"unknown actor", "", "mallory", true, http.StatusUnauthorized},
		{"custom header without correlation", "X-Service-Account", "svc-intake", false, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *model.RequestContext
			var h http.Handler = ResolveActor(dir, tt.header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = model.RequestContextFrom(r.Context())
			}))
			if tt.correlation {
				h = Correlation(h)
			}

			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set(HeaderCorrelationID, "corr-7")
			header := tt.header
			if header == "" {
				header = "X-Actor-Id"
			}
			if tt.actor != "" {
				req.Header.Set(header, tt.actor)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				if got != nil {
					t.Error("rejected actor reached the handler")
				}
				return
			}
			if got.Actor.ID != strings.TrimSpace(tt.actor) || len(got.Actor.Roles) != 1 {
				t.Errorf("actor = %+v", got.Actor)
			}
			if tt.correlation && got.CorrelationID != "corr-7" {
				t.Errorf("correlation = %q, want corr-7", got.CorrelationID)
			}
			if !tt.correlation && got.CorrelationID == "" {
				t.Error("correlation id should be minted when Correlation did not run")
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		rctx     *model.RequestContext
		wantCode int
	}{
		{"holds role", &model.RequestContext{Actor: model.Actor{ID: "ada", Roles: []string{"workflow_admin"}}}, http.StatusOK},
		{"lacks role", &model.RequestContext{Actor: model.Actor{ID: "ravi", Roles: []string{"reviewer"}}}, http.StatusForbidden},
		{"no context", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", nil)
			if tt.rctx != nil {
				req = req.WithContext(model.WithRequestContext(req.Context(), tt.rctx))
			}
			w := httptest.NewRecorder()
			RequireRole("workflow_admin")(ok200).ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	for _, d := range []time.Duration{0, time.Second} {
		var hasDeadline bool
		HandlerTimeout(d)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			_, hasDeadline = r.Context().Deadline()
		})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
		if hasDeadline != (d > 0) {
			t.Errorf("timeout %v: deadline set = %v", d, hasDeadline)
		}
	}
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := chi.NewRouter()
	r.Use(Correlation, RequestLogging(zap.New(core)))
	r.Get("/v1/work-items/{id}/state", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	r.Get("/quiet", func(http.ResponseWriter, *http.Request) {})

	for _, path := range []string{"/v1/work-items/item-1/state", "/boom", "/quiet"} {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set(HeaderCorrelationID, "corr-9")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	entries := logs.FilterMessage("request").All()
	if len(entries) != 3 {
		t.Fatalf("request log entries = %d, want 3", len(entries))
	}
	first := entries[0].ContextMap()
	if first["status"] != int64(http.StatusTeapot) || first["bytes"] != int64(15) {
		t.Errorf("status/bytes = %v/%v", first["status"], first["bytes"])
	}
	if first["route"] != "/v1/work-items/{id}/state" || first["correlation_id"] != "corr-9" {
		t.Errorf("route/correlation = %v/%v", first["route"], first["correlation_id"])
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("5xx logged at %v", entries[1].Level)
	}
	if got := entries[2].ContextMap()["status"]; got != int64(http.StatusOK) {
		t.Errorf("implicit status = %v", got)
	}
}
