package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the span surface the API and repository layers depend on,
// kept narrow so tests can swap in a recording implementation.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
	StartSpanWithAttributes(ctx context.Context, name string, attrs map[string]any, opts ...trace.SpanStartOption) (context.Context, trace.Span)
	GetTraceID(span trace.Span) string
}

// OTelTracer implements Tracer on the globally installed provider.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewTracer names a tracer; by convention one per layer ("nfe.api",
// "nfe.repository").
func NewTracer(name string) *OTelTracer {
	return &OTelTracer{tracer: otel.Tracer(name)}
}

func (t *OTelTracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func (t *OTelTracer) StartSpanWithAttributes(ctx context.Context, name string, attrs map[string]any, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	all := append(opts, trace.WithAttributes(convertAttributes(attrs)...))
	return t.tracer.Start(ctx, name, all...)
}

func (t *OTelTracer) GetTraceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func convertAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case []string:
			out = append(out, attribute.StringSlice(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}

// StartHTTPSpan opens a server span for one request.
func StartHTTPSpan(ctx context.Context, tracer Tracer, method, path string) (context.Context, trace.Span) {
	return tracer.StartSpanWithAttributes(ctx, fmt.Sprintf("%s %s", method, path), map[string]any{
		"http.method": method,
		"http.target": path,
	}, trace.WithSpanKind(trace.SpanKindServer))
}

// StartDatabaseSpan opens a client span for one statement.
func StartDatabaseSpan(ctx context.Context, tracer Tracer, operation, table string) (context.Context, trace.Span) {
	return tracer.StartSpanWithAttributes(ctx, fmt.Sprintf("db.%s %s", operation, table), map[string]any{
		"db.operation": operation,
		"db.sql.table": table,
		"db.system":    "postgresql",
	}, trace.WithSpanKind(trace.SpanKindClient))
}

// StartAnalysisSpan opens a span covering one invoice analysis request.
// The access key is an invoice identifier, not personal data, so it is
// safe to record.
func StartAnalysisSpan(ctx context.Context, tracer Tracer, accessKey string) (context.Context, trace.Span) {
	return tracer.StartSpanWithAttributes(ctx, "analysis.invoice", map[string]any{
		"nfe.access_key": accessKey,
	})
}

// WithSpanError records err on the span and marks it failed. Nil errors
// leave the span untouched.
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
