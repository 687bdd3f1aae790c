package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func spanContext(t *testing.T, ctx context.Context) context.Context {
	t.Helper()
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(ctx, sc)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	l := zap.NewExample()
	assert.Same(t, l, FromContext(WithContext(context.Background(), l)))
}

func TestContextIdentifiers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetIntegrationID(ctx))

	ctx, _ = WithRequestID(ctx, zap.NewNop(), "req-1")
	ctx, _ = WithIntegrationID(ctx, zap.NewNop(), "timeback")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "timeback", GetIntegrationID(ctx))
}

func TestWithTraceContext(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	WithTraceContext(context.Background(), base).Info("no span")
	WithTraceContext(spanContext(t, context.Background()), base).Info("with span")

	entries := recorded.All()
	assert.Len(t, entries, 2)
	assert.NotContains(t, entries[0].ContextMap(), "trace_id")
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entries[1].ContextMap()["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entries[1].ContextMap()["span_id"])
}

func TestFor(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx, _ := WithRequestID(context.Background(), zap.NewNop(), "req-9")
	ctx, _ = WithIntegrationID(ctx, zap.NewNop(), "clever")
	ctx = spanContext(t, ctx)

	For(ctx, base).With(EntityType("class")).Warn("cache degraded")
	For(context.Background(), base).Info("bare")

	entries := recorded.All()
	if assert.Len(t, entries, 2) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-9", fields["request_id"])
		assert.Equal(t, "clever", fields["integration_id"])
		assert.Equal(t, "class", fields["entity_type"])
		assert.Contains(t, fields, "trace_id")
		assert.Empty(t, entries[1].ContextMap())
	}
}

func TestFor_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		For(context.Background(), nil).Info("dropped")
	})
}
