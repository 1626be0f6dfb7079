package api

import (
	"rollgate/internal/metrics"
	"rollgate/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups everything the router serves.
type Handlers struct {
	Flag    *FlagHandler
	Rollout *RolloutHandler
	Privacy *PrivacyHandler
	Stream  *StreamHandler
}

type RouterOptions struct {
	// Observer receives request durations; nil disables them.
	Observer  metrics.HTTPObserver
	JWTSecret []byte
	// DevMode accepts X-Dev-Pass instead of a token.
	DevMode           bool
	CorsOrigins       []string
	RequestsPerSecond int
	// Redis backs the write rate limiter; nil limits per process.
	Redis redis.Scripter
}

func RegisterRoutes(h Handlers, opts RouterOptions) *gin.Engine {
	r := gin.New()

	// Global Middleware
	r.Use(
		middleware.CorsMiddleware(opts.CorsOrigins...),
		middleware.RequestID(),
		middleware.TraceMiddleware(),
		middleware.GinZapLogger("/health", "/metrics"),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(opts.Observer, "/api/v1/stream/watch", "/api/v1/stream/admin"),
	)
	r.SetTrustedProxies(nil)

	// Public Routes
	r.GET("/health", h.Flag.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Data plane: evaluation and the change stream
	data := r.Group("/api/v1")
	{
		data.POST("/evaluate", h.Flag.Evaluate)
		data.GET("/stream/snapshot", h.Stream.FetchAll)
		data.GET("/stream/watch", h.Stream.Watch)
	}

	// Protected Routes (Control Plane)
	protected := r.Group("/api/v1")
	protected.Use(middleware.JWTMiddleware(opts.JWTSecret, opts.DevMode))

	// Rate Limiter for Write Operations
	writeLimiter := middleware.RateLimitMiddleware(opts.Redis, opts.RequestsPerSecond)

	{
		protected.GET("/flags", h.Flag.ListFlags)
		protected.GET("/flags/:ns/:key", h.Flag.GetFlag)
		protected.PUT("/flags/:ns/:key", writeLimiter, h.Flag.PutFlag)
		protected.POST("/flags/:ns/:key/rollout/step", writeLimiter, h.Rollout.Step)
		protected.POST("/flags/:ns/:key/preview", h.Rollout.Preview)
		protected.GET("/flags/:ns/:key/overrides", h.Flag.ListOverrides)
		protected.PUT("/flags/:ns/:key/overrides", writeLimiter, h.Flag.PutOverride)
		protected.DELETE("/flags/:ns/:key/overrides", writeLimiter, h.Flag.RemoveOverride)
		protected.GET("/flags/:ns/:key/audits", h.Flag.GetFlagAudits)
		protected.GET("/metrics/summary", h.Rollout.Summary)
		protected.POST("/privacy/erase", writeLimiter, h.Privacy.Erase)
		protected.GET("/stream/admin", h.Stream.Watch)
	}
	return r
}
