package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rollgate/internal/service"
	"rollgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.InitLogger("test")
}

func limitedRouter(l *RateLimiter, asOperator bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if asOperator {
		r.Use(func(c *gin.Context) {
			op := &service.OperatorInfo{UserID: c.GetHeader("X-Op"), Name: c.GetHeader("X-Op")}
			c.Request = c.Request.WithContext(service.WithOperator(c.Request.Context(), op))
		})
	}
	r.Use(l.Middleware())
	r.POST("/write", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func post(r http.Handler, op string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/write", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if op != "" {
		req.Header.Set("X-Op", op)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_RedisFailure_FailsOpen(t *testing.T) {
	// Setup Redis client with unreachable address to force connection failure
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:0", // Invalid port
		DialTimeout: 10 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
		MaxRetries:  0,
	})
	defer rdb.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(rdb, 10))
	r.POST("/write", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := post(r, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiter_NoRedisLimitsLocally(t *testing.T) {
	r := limitedRouter(NewRateLimiter(nil, RateLimiterConfig{Limit: 2}), false)

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = post(r, "")
		codes = append(codes, last.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "1", last.Header().Get("Retry-After"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiter_BudgetPerOperator(t *testing.T) {
	r := limitedRouter(NewRateLimiter(nil, RateLimiterConfig{Limit: 1}), true)

	assert.Equal(t, http.StatusOK, post(r, "alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, post(r, "alice").Code)
	// same IP, different operator
	assert.Equal(t, http.StatusOK, post(r, "bob").Code)
}

func TestRateLimiter_Defaults(t *testing.T) {
	l := NewRateLimiter(nil, RateLimiterConfig{})
	assert.Equal(t, 5, l.cfg.Limit)
	assert.Equal(t, 5, l.cfg.Burst)
	assert.Equal(t, "rollgate:ratelimit:", l.cfg.KeyPrefix)
}
