package httpapi

import (
	"net/http"
	"sync"

	"callpipeline/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{rate: rate.Limit(rps), burst: burst}
}

func (i *IPRateLimiter) limiter(ip string) *rate.Limiter {
	if l, ok := i.limiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l, _ := i.limiters.LoadOrStore(ip, rate.NewLimiter(i.rate, i.burst))
	return l.(*rate.Limiter)
}

// Middleware rejects requests over the per-IP budget with 429.
func (i *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !i.limiter(ip).Allow() {
			logger.FromGin(c).Warn("rate limit exceeded", "ip", ip, "path", c.FullPath())
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
