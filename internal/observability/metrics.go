package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/stageflow/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. It
// satisfies workflow.Recorder, eventstore.Recorder, notify.Recorder and
// identity.Recorder.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	TransitionsTotal           *prometheus.CounterVec
	TransitionRejectionsTotal  *prometheus.CounterVec
	ApprovalsTotal             *prometheus.CounterVec
	EscalationsTotal           *prometheus.CounterVec
	SLAViolations              *prometheus.GaugeVec
	AutoTransitionSweepsTotal  *prometheus.CounterVec
	AutoTransitionSweepSeconds prometheus.Histogram
	AutoAdvancesTotal          prometheus.Counter

	// Event store metrics
	EventsAppendedTotal   *prometheus.CounterVec
	VersionConflictsTotal *prometheus.CounterVec
	StoreErrorsTotal      *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal        *prometheus.CounterVec
	NotifyCircuitBreakerState *prometheus.GaugeVec

	// Identity and configuration metrics
	IdentityCacheHitsTotal   prometheus.Counter
	IdentityCacheMissesTotal prometheus.Counter
	DefinitionsVersion       prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_transitions_total",
			Help: "Total number of committed stage transitions.",
		}, []string{"scope", "from_stage", "to_stage", "event_type"}),
		TransitionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_transition_rejections_total",
			Help: "Total number of refused transition attempts by error code.",
		}, []string{"scope", "reason"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_approvals_total",
			Help: "Total number of approval workflow steps by outcome.",
		}, []string{"outcome"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_sla_escalations_total",
			Help: "Total number of SLA escalations by level.",
		}, []string{"level"}),
		SLAViolations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stageflow_sla_violations",
			Help: "Number of work items currently past their stage SLA.",
		}, []string{"scope"}),
		AutoTransitionSweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_auto_transition_sweeps_total",
			Help: "Total number of auto-transition sweeps by outcome.",
		}, []string{"outcome"}),
		AutoTransitionSweepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stageflow_auto_transition_sweep_duration_seconds",
			Help:    "Auto-transition sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),
		AutoAdvancesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stageflow_auto_advances_total",
			Help: "Total number of work items advanced by the scheduler.",
		}),

		// Event store
		EventsAppendedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_events_appended_total",
			Help: "Total number of events appended to the event store.",
		}, []string{"aggregate_type"}),
		VersionConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_version_conflicts_total",
			Help: "Total number of appends refused on an expected-version mismatch.",
		}, []string{"aggregate_type"}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_event_store_errors_total",
			Help: "Total number of event store failures by operation.",
		}, []string{"op"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_notifications_total",
			Help: "Total number of notification deliveries by sink and outcome.",
		}, []string{"sink", "outcome"}),
		NotifyCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stageflow_notify_circuit_breaker_state",
			Help: "Notification sink circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),

		// Identity and configuration
		IdentityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stageflow_identity_cache_hits_total",
			Help: "Total number of actor role cache hits.",
		}),
		IdentityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stageflow_identity_cache_misses_total",
			Help: "Total number of actor role cache misses.",
		}),
		DefinitionsVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stageflow_definitions_version",
			Help: "Version of the published stage and transition snapshot.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TransitionsTotal,
		m.TransitionRejectionsTotal,
		m.ApprovalsTotal,
		m.EscalationsTotal,
		m.SLAViolations,
		m.AutoTransitionSweepsTotal,
		m.AutoTransitionSweepSeconds,
		m.AutoAdvancesTotal,
		m.EventsAppendedTotal,
		m.VersionConflictsTotal,
		m.StoreErrorsTotal,
		m.NotificationsTotal,
		m.NotifyCircuitBreakerState,
		m.IdentityCacheHitsTotal,
		m.IdentityCacheMissesTotal,
		m.DefinitionsVersion,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a committed stage entry.
func (m *Metrics) RecordTransition(scope, from, to string, eventType model.EventType) {
	m.TransitionsTotal.WithLabelValues(scopeLabel(scope), from, to, string(eventType)).Inc()
}

// RecordTransitionRejected records a refused transition attempt.
func (m *Metrics) RecordTransitionRejected(scope, reason string) {
	m.TransitionRejectionsTotal.WithLabelValues(scopeLabel(scope), reason).Inc()
}

// RecordApproval records one approval step.
func (m *Metrics) RecordApproval(outcome string) {
	m.ApprovalsTotal.WithLabelValues(outcome).Inc()
}

// RecordEscalation records an SLA escalation.
func (m *Metrics) RecordEscalation(level string) {
	m.EscalationsTotal.WithLabelValues(level).Inc()
}

// RecordAutoTransitionSweep records a finished auto-transition sweep.
func (m *Metrics) RecordAutoTransitionSweep(outcome string, advanced int, duration time.Duration) {
	m.AutoTransitionSweepsTotal.WithLabelValues(outcome).Inc()
	m.AutoTransitionSweepSeconds.Observe(duration.Seconds())
	m.AutoAdvancesTotal.Add(float64(advanced))
}

// SetSLAViolations sets the current violation count for a scope.
func (m *Metrics) SetSLAViolations(scope string, n int) {
	m.SLAViolations.WithLabelValues(scopeLabel(scope)).Set(float64(n))
}

// RecordEventsAppended records n events appended to one aggregate.
func (m *Metrics) RecordEventsAppended(aggregateType string, n int) {
	m.EventsAppendedTotal.WithLabelValues(aggregateType).Add(float64(n))
}

// RecordVersionConflict records an append refused on version mismatch.
func (m *Metrics) RecordVersionConflict(aggregateType string) {
	m.VersionConflictsTotal.WithLabelValues(aggregateType).Inc()
}

// RecordStoreError records a failed event store operation.
func (m *Metrics) RecordStoreError(op string) {
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

// RecordNotification records a notification delivery outcome.
func (m *Metrics) RecordNotification(sink, outcome string) {
	m.NotificationsTotal.WithLabelValues(sink, outcome).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a sink.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(sink string, state float64) {
	m.NotifyCircuitBreakerState.WithLabelValues(sink).Set(state)
}

// RecordIdentityCacheHit records an actor role cache hit.
func (m *Metrics) RecordIdentityCacheHit() {
	m.IdentityCacheHitsTotal.Inc()
}

// RecordIdentityCacheMiss records an actor role cache miss.
func (m *Metrics) RecordIdentityCacheMiss() {
	m.IdentityCacheMissesTotal.Inc()
}

// SetDefinitionsVersion sets the published definitions snapshot version.
func (m *Metrics) SetDefinitionsVersion(v int64) {
	m.DefinitionsVersion.Set(float64(v))
}

// scopeLabel names the global scope explicitly so it is distinguishable
// from a missing label in queries.
func scopeLabel(scope string) string {
	if scope == "" {
		return "global"
	}
	return scope
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
