// Package middleware provides the Gin middleware in front of the webhook
// endpoint: request ids, Prometheus metrics, security headers and per-client
// rate limiting.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request.
//
// The path label is the matched route template; unmatched requests are
// labelled "<no-route>" so scanners probing random URLs cannot inflate label
// cardinality. Register it before gin.Recovery(): a panic skips the
// post-handler code of every middleware registered after the recovery handler.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
