package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPMetrics records one observation per request.
type HTTPMetrics interface {
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)
}

// Metrics records every request against its route template so label
// cardinality stays bounded.  Unmatched routes are recorded as "unmatched".
func Metrics(m HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
