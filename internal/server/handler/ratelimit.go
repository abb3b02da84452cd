package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleEviction  = 10 * time.Minute
)

// ipLimiters tracks one token bucket per client IP. Buckets idle past
// limiterIdleEviction are dropped by a background sweep so the map stays
// bounded under churny client populations.
type ipLimiters struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rps     int
	burst   int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiters(rps, burst int) *ipLimiters {
	l := &ipLimiters{
		buckets: make(map[string]*ipBucket),
		rps:     rps,
		burst:   burst,
	}
	go l.sweep()
	return l
}

func (l *ipLimiters) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

func (l *ipLimiters) sweep() {
	for {
		time.Sleep(limiterSweepInterval)
		l.mu.Lock()
		for ip, b := range l.buckets {
			if time.Since(b.lastSeen) > limiterIdleEviction {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting on the ledger API. rps is the steady-state requests per
// second; burst is the maximum burst size. Rejections are counted in the
// vt_rate_limited_total metric.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	limiters := newIPLimiters(rps, burst)

	return func(c *gin.Context) {
		if !limiters.allow(c.ClientIP()) {
			RecordRateLimited()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
