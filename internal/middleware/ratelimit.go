package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"mailmeta/backend/internal/monitoring"
)

// RateLimiter 按调用方限流：已认证请求按服务名，其它按客户端 IP
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	metrics *monitoring.Metrics

	mu       sync.Mutex
	limiters map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorTTL 超过该时长未出现的调用方会被清理
const visitorTTL = 10 * time.Minute

// NewRateLimiter 创建限流器，rps <= 0 表示不限流
func NewRateLimiter(rps float64, burst int, metrics *monitoring.Metrics) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		metrics:  metrics,
		limiters: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow 给定调用方是否可以继续请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.limiters[key]
	if !ok {
		rl.evict(now)
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evict(now time.Time) {
	for key, v := range rl.limiters {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(rl.limiters, key)
		}
	}
}

// Middleware 限流中间件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}

		key := c.GetString(ContextKeyService)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !rl.Allow(key) {
			rl.metrics.RecordRateLimitBlock(c.FullPath())
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后重试",
			})
			return
		}
		c.Next()
	}
}
