package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys added to the server span
const (
	SpanAttrRequestID     = "request_id"
	SpanAttrIntegrationID = "mapping.integration_id"
	SpanAttrEntityType    = "mapping.entity_type"
)

// TracingConfig holds configuration for the tracing middleware
type TracingConfig struct {
	// ServiceName is the name of the service for trace identification
	ServiceName string
	// Enabled controls whether tracing is active
	Enabled bool
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "rostersync",
		Enabled:     true,
	}
}

// Tracing returns the tracing middleware chain: the otelgin server span
// followed by SpanEnricher. With tracing disabled the chain is empty.
func Tracing(cfg TracingConfig) []gin.HandlerFunc {
	if !cfg.Enabled {
		return nil
	}
	return []gin.HandlerFunc{otelgin.Middleware(cfg.ServiceName), SpanEnricher()}
}

// SpanEnricher tags the active server span with the request ID and the
// mapping scope taken from the route, and marks server errors.
// 4xx responses are left unmarked since a missing mapping is an expected outcome.
func SpanEnricher() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			c.Next()
			return
		}

		if requestID := GetRequestID(c); requestID != "" {
			span.SetAttributes(attribute.String(SpanAttrRequestID, requestID))
		}
		if id := c.Param(IntegrationParam); id != "" {
			span.SetAttributes(attribute.String(SpanAttrIntegrationID, id))
		}
		if entityType := c.Param("entityType"); entityType != "" {
			span.SetAttributes(attribute.String(SpanAttrEntityType, entityType))
		}

		c.Next()

		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
