package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-compliance-api/internal/service"
)

// unmatchedRoute labels requests that hit no registered route, keeping raw paths such as
// probing scanners or mistyped document tokens out of the label set.
const unmatchedRoute = "unmatched"

var probePaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// Metrics records latency and status per route template. Probe and scrape endpoints are skipped.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if _, probe := probePaths[route]; probe {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
