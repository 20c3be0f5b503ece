package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON to stdout, unsampled so that
// every transition attempt is kept. An unknown level falls back to info.
//
// Levels:
//   - error: event store failures, broken guard expressions, failed sweeps
//   - warn:  rejected transitions, dropped notifications
//   - info:  transitions, approvals, escalations, definition changes
//   - debug: snapshot writes, skipped sweep candidates
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zc.Level = lvl
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build(zap.Fields(zap.String("service", "stageflow")))
}

// WithLogger stores a logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ContextLogger returns the context logger tagged with correlation_id and
// trace_id. Calls that did not arrive over HTTP, such as scheduler sweeps,
// take the trace id from the active span.
func ContextLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	fields := contextFields(ctx, model.RequestContextFrom(ctx))
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// RequestLogger is ContextLogger plus the authenticated actor_id.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	rctx := model.RequestContextFrom(ctx)
	fields := contextFields(ctx, rctx)
	if rctx != nil && rctx.Actor.ID != "" {
		fields = append(fields, zap.String("actor_id", rctx.Actor.ID))
	}
	logger := LoggerFrom(ctx, fallback)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

func contextFields(ctx context.Context, rctx *model.RequestContext) []zap.Field {
	var fields []zap.Field
	traceID := TraceIDFromContext(ctx)
	if rctx != nil {
		if rctx.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
		}
		if rctx.TraceID != "" {
			traceID = rctx.TraceID
		}
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	return fields
}

const redacted = "[REDACTED]"

// Keys always masked by Redact, compared case-insensitively.
var sensitiveKeys = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "credit_card", "ssn", "pin",
}

// Redact returns a copy of fields with sensitive values masked. Nested maps
// and maps inside slices are walked; extra names more keys to mask. Input is
// never modified.
func Redact(fields map[string]any, extra ...string) map[string]any {
	if fields == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(sensitiveKeys)+len(extra))
	for _, k := range sensitiveKeys {
		mask[k] = struct{}{}
	}
	for _, k := range extra {
		mask[strings.ToLower(k)] = struct{}{}
	}
	return redactMap(fields, mask)
}

func redactMap(in map[string]any, mask map[string]struct{}) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, hit := mask[strings.ToLower(k)]; hit {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, mask)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, mask)
		}
		return out
	default:
		return v
	}
}
