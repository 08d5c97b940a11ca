package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GinMiddleware records one HTTPRequestsTotal/HTTPRequestDuration
// observation per request, grouped by gin's route template (so "/api/sessions/:id"
// stays one series regardless of how many distinct ids are requested).
//
// Grounded on spencerandtheteagues-apex-build-platform's
// metrics.PrometheusMiddleware.
func GinMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// Handler exposes the /metrics scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
