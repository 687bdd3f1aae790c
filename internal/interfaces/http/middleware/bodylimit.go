package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rostersync/backend/internal/interfaces/http/dto"
)

// BodyLimit caps request bodies at maxBytes; a non-positive limit disables it.
// Declared lengths are rejected up front with 413. Chunked bodies are cut off
// while the handler binds them, and HandleValidationError reports the overflow
// with the same status.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 || c.Request.Body == nil || c.Request.Body == http.NoBody {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeRequestTooLarge,
				"Request body exceeds maximum allowed size",
				GetRequestID(c),
			))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
