package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/reward-module/types"
	"github.com/gin-gonic/gin"
)

// Timeout puts a deadline on the request context. Handlers observe it through
// their context; if the deadline passed and nothing was written, a 408 is sent.
// Long-lived streams are listed in skip.
func Timeout(timeout time.Duration, skip ...string) gin.HandlerFunc {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(c *gin.Context) {
		if timeout <= 0 || skipPaths[c.FullPath()] {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusRequestTimeout, types.ErrorResponse{
				StatusCode: http.StatusRequestTimeout,
				IsSuccess:  false,
				Error: types.ErrorDetail{
					Timestamp:    time.Now().Format(time.RFC3339),
					Path:         c.Request.URL.Path,
					ErrorMessage: "Request timeout",
				},
			})
		}
	}
}
