package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/model"
)

const tracerName = "github.com/pitabwire/stageflow"

// Span attributes.
var (
	AttrWorkItemID   = attribute.Key("stageflow.work_item_id")
	AttrTargetStage  = attribute.Key("stageflow.target_stage")
	AttrActorID      = attribute.Key("stageflow.actor_id")
	AttrScope        = attribute.Key("stageflow.scope")
	AttrTransitionID = attribute.Key("stageflow.transition_id")
	AttrOutcome      = attribute.Key("stageflow.outcome")
	AttrSweep        = attribute.Key("stageflow.sweep")
	AttrExamined     = attribute.Key("stageflow.sweep.examined")
	AttrChanged      = attribute.Key("stageflow.sweep.changed")
	AttrFailed       = attribute.Key("stageflow.sweep.failed")
)

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes pending spans; it is a no-op when tracing is
// disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		err = fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// sampler follows the caller's decision and samples root spans at rate
// (default 10%).
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartWorkItemSpan starts a span for an operation on one work item. op is
// prefixed with "workflow.".
func StartWorkItemSpan(ctx context.Context, op, workItemID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{AttrWorkItemID.String(workItemID)}, attrs...)
	return tracer().Start(ctx, "workflow."+op, trace.WithAttributes(attrs...))
}

// StartSweepSpan starts the root span of a scheduler sweep.
func StartSweepSpan(ctx context.Context, sweep string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "sweep."+sweep, trace.WithAttributes(AttrSweep.String(sweep)))
}

// EndSpan records the outcome of a workflow operation and ends span.
// Rejections the caller can act on (a blocked transition, a lost race) are
// outcomes, not span errors; only persistence and internal failures mark
// the span as failed.
func EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetAttributes(AttrOutcome.String("ok"))
		return
	}
	code := model.CodeOf(err)
	span.SetAttributes(AttrOutcome.String(code))
	if code == model.ErrPersistence || code == model.ErrInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// EndSweepSpan records sweep counters and ends span. changed counts advanced
// or escalated work items.
func EndSweepSpan(span trace.Span, examined, changed, failed int, err error) {
	span.SetAttributes(
		AttrExamined.Int(examined),
		AttrChanged.Int(changed),
		AttrFailed.Int(failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any
// inbound traceparent. Once chi has routed the request the span is renamed
// to the route pattern so work item ids do not end up in span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		sw := &spanStatusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders propagates the current trace into outbound headers,
// such as webhook notification deliveries.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

type spanStatusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *spanStatusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *spanStatusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
