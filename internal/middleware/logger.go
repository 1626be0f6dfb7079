package middleware

import (
	"net/http"
	"time"

	"rollgate/internal/repository"
	"rollgate/internal/service"
	"rollgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-ID"
	traceIDHeader   = "X-Trace-ID"
)

// headerOrNew returns the caller's id for header, or a fresh one. Ids longer
// than 128 bytes are replaced.
func headerOrNew(c *gin.Context, header string) string {
	if v := c.GetHeader(header); v != "" && len(v) <= 128 {
		return v
	}
	return uuid.New().String()
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := headerOrNew(c, requestIDHeader)
		c.Set("request_id", rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// TraceMiddleware tags the request with a trace id, which audit rows and
// outbox tasks written for the request carry.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := headerOrNew(c, traceIDHeader)
		c.Set("TraceID", traceID)
		c.Request = c.Request.WithContext(repository.WithTraceID(c.Request.Context(), traceID))
		c.Writer.Header().Set(traceIDHeader, traceID)
		c.Next()
	}
}

// GinZapLogger logs one line per request once it completes. Server errors
// log at error level and client errors at warn; quiet paths are not logged
// unless they fail.
func GinZapLogger(quiet ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		if skip[path] && status < http.StatusBadRequest {
			return
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		}
		if tid := repository.TraceIDFrom(c.Request.Context()); tid != "" {
			fields = append(fields, zap.String("trace_id", tid))
		}
		if op := service.GetOperatorInfo(c.Request.Context()); op != nil {
			fields = append(fields, zap.String("operator", op.Name))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

func GinZapRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString("request_id")),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
