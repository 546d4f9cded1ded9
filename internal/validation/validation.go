// Package validation rejects malformed requests before they reach handlers.
package validation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxRequestSize caps request bodies.
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsUUID reports whether s parses as a UUID. Intent ids and approval
// request ids are both UUIDs.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IntentIDParam rejects requests whose :intentId path segment is not a UUID.
func IntentIDParam() gin.HandlerFunc {
	return param("intentId", IsUUID, "intentId must be a UUID")
}

// RequestIDParam rejects requests whose :id path segment is not a UUID.
func RequestIDParam() gin.HandlerFunc {
	return param("id", IsUUID, "id must be a UUID")
}

func param(name string, ok func(string) bool, msg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !ok(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": msg,
			})
			return
		}
		c.Next()
	}
}
