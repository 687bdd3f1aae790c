package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rostersync/backend/internal/domain/shared"
)

// TracerName is the instrumentation name for service spans
const TracerName = "github.com/rostersync/backend"

// Span attribute keys shared by the mapping service
const (
	SpanAttrIntegrationID = "mapping.integration_id"
	SpanAttrEntityType    = "mapping.entity_type"
	SpanAttrExternalID    = "mapping.external_id"
	SpanAttrInternalID    = "mapping.internal_id"
	SpanAttrCacheHit      = "mapping.cache_hit"
	SpanAttrBatchSize     = "mapping.batch_size"
	SpanAttrErrorCode     = "mapping.error_code"
)

// SpanOption adds start attributes to a service span
type SpanOption func(*[]attribute.KeyValue)

// WithAttribute adds an attribute to the span
func WithAttribute(key string, value any) SpanOption {
	return func(attrs *[]attribute.KeyValue) {
		*attrs = append(*attrs, toAttribute(key, value))
	}
}

// StartServiceSpan starts an internal span named {service}.{method}, e.g.
// "mapping.map_external_to_internal". The caller must End it.
func StartServiceSpan(ctx context.Context, service, method string, opts ...SpanOption) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	for _, opt := range opts {
		opt(&attrs)
	}
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, service+"."+method,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
}

// SetAttributes adds alternating key/value pairs to span. Non-string keys are skipped.
func SetAttributes(span trace.Span, keyValues ...any) {
	if span == nil || !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		if key, ok := keyValues[i].(string); ok {
			attrs = append(attrs, toAttribute(key, keyValues[i+1]))
		}
	}
	span.SetAttributes(attrs...)
}

// RecordError records err on span and tags it with its domain error code.
// Only store and cache failures, or errors without a code, fail the span:
// a missing mapping or a rejected write is an answer, not an outage.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	code := shared.ErrorCode(err)
	if code != "" {
		span.SetAttributes(attribute.String(SpanAttrErrorCode, code))
	}
	span.RecordError(err)

	switch code {
	case "", shared.CodeStoreUnavailable, shared.CodeCacheDegraded:
		span.SetStatus(codes.Error, err.Error())
	}
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
