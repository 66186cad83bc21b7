package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grants-approval-api/internal/service"
)

// UnmatchedRoute labels requests that hit no registered route, so scanners hitting random
// paths cannot grow the path label set.
const UnmatchedRoute = "unmatched"

// Metrics records request count and latency per route template. Requests to any of the skip
// routes (scrape and liveness endpoints) are not observed.
func Metrics(metricsSvc *service.MetricsService, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, route := range skip {
		skipped[route] = struct{}{}
	}
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if _, ok := skipped[route]; ok && route != "" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		if route == "" {
			route = UnmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
