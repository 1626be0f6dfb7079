package middleware

import (
	"time"

	"rollgate/internal/metrics"

	"github.com/gin-gonic/gin"
)

// HttpMiddleware reports request durations by matched route. Long-lived
// routes such as the watch stream are listed in skip; their duration is the
// connection lifetime and would swamp the histogram.
func HttpMiddleware(obs metrics.HTTPObserver, skip ...string) gin.HandlerFunc {
	if obs == nil {
		obs = metrics.Nop{}
	}
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if skipped[route] {
			return
		}
		if route == "" {
			route = "unmatched"
		}
		obs.ObserveHTTP(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
