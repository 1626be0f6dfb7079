package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"rollgate/internal/service"
	"rollgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiterConfig defines configuration for the rate limiter
type RateLimiterConfig struct {
	Limit     int    // Requests per second
	Burst     int    // Burst size, defaults to Limit
	KeyPrefix string // Redis key prefix
	// Timeout bounds one Redis round trip before the local fallback is used.
	Timeout time.Duration
}

// tokenBucketScript keeps one bucket per hash key.
// Input: ARGV[1]=rate, ARGV[2]=capacity, ARGV[3]=now (seconds)
// Output: { allowed, remaining, retry_after }
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("hmget", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)
if tokens < 1 then
    return { 0, tostring(tokens), tostring((1 - tokens) / rate) }
end

tokens = tokens - 1
redis.call("hset", KEYS[1], "tokens", tokens, "ts", now)
redis.call("expire", KEYS[1], math.ceil(capacity / rate * 2))
return { 1, tostring(tokens), "0" }
`)

const idleLimiterTTL = 10 * time.Minute

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits control-plane writes per operator, or per client IP
// for unauthenticated callers. Redis shares the budget across replicas; when
// Redis is absent or failing each process enforces it alone.
type RateLimiter struct {
	rdb redis.Scripter
	cfg RateLimiterConfig

	mu        sync.Mutex
	local     map[string]*localLimiter
	lastPrune time.Time
}

// NewRateLimiter builds a limiter. A nil rdb limits locally only.
func NewRateLimiter(rdb redis.Scripter, cfg RateLimiterConfig) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Limit
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rollgate:ratelimit:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	return &RateLimiter{rdb: rdb, cfg: cfg, local: make(map[string]*localLimiter)}
}

// RateLimitMiddleware is shorthand for NewRateLimiter(...).Middleware().
func RateLimitMiddleware(rdb redis.Scripter, requestsPerSecond int) gin.HandlerFunc {
	return NewRateLimiter(rdb, RateLimiterConfig{Limit: requestsPerSecond}).Middleware()
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := subjectOf(c)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.Limit))

		allowed, remaining, retryAfter := l.allow(c.Request.Context(), subject)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(max(1, int(retryAfter.Seconds()+0.999))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// subjectOf keys the bucket on the operator when authenticated.
func subjectOf(c *gin.Context) string {
	if op := service.GetOperatorInfo(c.Request.Context()); op != nil && op.UserID != "" {
		return "op:" + op.UserID
	}
	return "ip:" + c.ClientIP()
}

func (l *RateLimiter) allow(ctx context.Context, subject string) (bool, float64, time.Duration) {
	if l.rdb == nil {
		return l.allowLocal(subject)
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.cfg.KeyPrefix + subject},
		l.cfg.Limit, l.cfg.Burst, now).Slice()
	if err != nil || len(res) != 3 {
		logger.Warn("redis rate limit failed, using local limiter", zap.Error(err), zap.String("subject", subject))
		return l.allowLocal(subject)
	}
	allowed, _ := res[0].(int64)
	remaining := parseFloat(res[1])
	retry := time.Duration(parseFloat(res[2]) * float64(time.Second))
	return allowed == 1, remaining, retry
}

func parseFloat(v any) float64 {
	s, _ := v.(string)
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (l *RateLimiter) allowLocal(subject string) (bool, float64, time.Duration) {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastPrune) > idleLimiterTTL {
		for k, v := range l.local {
			if now.Sub(v.lastSeen) > idleLimiterTTL {
				delete(l.local, k)
			}
		}
		l.lastPrune = now
	}
	ll, ok := l.local[subject]
	if !ok {
		ll = &localLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.Limit), l.cfg.Burst)}
		l.local[subject] = ll
	}
	ll.lastSeen = now
	l.mu.Unlock()

	r := ll.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, 0, delay
	}
	return true, ll.limiter.TokensAt(now), 0
}
