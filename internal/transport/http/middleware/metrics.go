package middleware

import (
	"strconv"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Metrics records latency and count per route template, never per raw path,
// so job handles do not blow up label cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		method := c.Request.Method

		metrics.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
}
