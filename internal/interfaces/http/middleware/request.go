package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rostersync/backend/internal/infrastructure/logger"
)

const (
	// RequestIDHeader carries the request ID in both directions
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the gin context key holding the request ID
	RequestIDKey = "request_id"
	// MaxRequestIDLength bounds client supplied request IDs
	MaxRequestIDLength = 128
	// IntegrationParam is the route parameter naming the integration
	IntegrationParam = "integrationId"
)

// RequestID tags each request with an ID. Sync workers usually send their
// run ID, which is kept when it is short printable ASCII; anything else is
// replaced with a UUID so it cannot forge log lines.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// GetRequestID returns the request ID set by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// IntegrationScope tags the request-scoped logger and context with the
// integration named in the route. It must run after logger.GinMiddleware.
func IntegrationScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		integrationID := c.Param(IntegrationParam)
		if integrationID == "" {
			c.Next()
			return
		}
		ctx, scoped := logger.WithIntegrationID(c.Request.Context(), logger.GetGinLogger(c), integrationID)
		c.Request = c.Request.WithContext(ctx)
		logger.SetGinLogger(c, scoped)
		c.Next()
	}
}
