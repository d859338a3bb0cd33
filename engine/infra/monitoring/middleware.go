package monitoring

import (
	"strconv"
	"time"

	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// httpMetrics collects request counts and latency per route and status.
func httpMetrics(meter metric.Meter) gin.HandlerFunc {
	requestsTotal, err := meter.Int64Counter(
		"flowgate_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		logger.Error("Failed to create http requests counter", "error", err)
	}
	requestDuration, err := meter.Float64Histogram(
		"flowgate_http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10),
	)
	if err != nil {
		logger.Error("Failed to create http request duration histogram", "error", err)
	}
	return func(c *gin.Context) {
		if requestsTotal == nil || requestDuration == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("path", path),
			attribute.String("status", strconv.Itoa(c.Writer.Status())),
		)
		requestsTotal.Add(c.Request.Context(), 1, attrs)
		requestDuration.Record(c.Request.Context(), time.Since(start).Seconds(), attrs)
	}
}
