package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"engineroom/pkg/logging"
)

const requestIDHeader = "X-Request-ID"

// requestID assigns each request an id, honoring one supplied by the caller.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLog logs one line per request after it completes.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logging.Info("Server", "%s %s -> %d (%s, request %s)",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start).Round(time.Microsecond),
			c.GetString("requestID"),
		)
	}
}
