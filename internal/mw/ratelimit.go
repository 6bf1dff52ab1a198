package mw

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chatclient/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RouteLimiter 为每个 方法+路由 维护一个令牌桶，防止视图层的滚动或重试循环
// 把请求放大到后端。长时间未使用的桶会被回收。
type RouteLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

func NewRouteLimiter(limit rate.Limit, burst int, idle time.Duration) *RouteLimiter {
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	return &RouteLimiter{buckets: make(map[string]*bucket), limit: limit, burst: burst, idle: idle}
}

func (rl *RouteLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	rl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Sweep 回收空闲超过 idle 的桶，返回回收数量。
func (rl *RouteLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, b := range rl.buckets {
		if now.Sub(b.seen) > rl.idle {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// Run 定期回收空闲的桶，直到 ctx 结束。
func (rl *RouteLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.Sweep(now)
		}
	}
}

// Middleware 超出速率时返回 429。
func (rl *RouteLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !rl.allow(c.Request.Method+" "+route, time.Now()) {
			metrics.DroppedEventsTotal.WithLabelValues("rate_limited").Inc()
			log.Debug().Str("method", c.Request.Method).Str("route", route).Msg("local api rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
