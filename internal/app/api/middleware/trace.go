package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/korelin/subpay/pkg/logctx"
)

// TraceMiddleware assigns each request a trace id: the client's
// X-Request-ID when present, otherwise a fresh UUID. Provider webhooks
// rarely send one, so generated ids dominate.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Set("traceID", traceID)
		c.Request = c.Request.WithContext(logctx.WithTraceID(c.Request.Context(), traceID))
		c.Next()
	}
}
