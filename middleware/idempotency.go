package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// IdempotencyKeyHeader carries the client's key for a reward open.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayedHeader is set to "true" when a stored result was returned.
	IdempotentReplayedHeader = "Idempotent-Replayed"

	idempotencyKeyCtx = "idempotency_key"
)

// IdempotencyKey copies the Idempotency-Key header into the gin context.
// Handlers may still fall back to a key in the request body.
func IdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); key != "" {
			c.Set(idempotencyKeyCtx, key)
		}
		c.Next()
	}
}

// GetIdempotencyKey returns the key captured by IdempotencyKey.
func GetIdempotencyKey(c *gin.Context) string {
	return c.GetString(idempotencyKeyCtx)
}

// MarkReplayed sets the replay response header.
func MarkReplayed(c *gin.Context) {
	c.Header(IdempotentReplayedHeader, "true")
}
