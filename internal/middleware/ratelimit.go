package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/metrics"
)

// RateLimiter counts requests per key over a trailing window kept in the
// cache store, so every instance behind a load balancer shares the budget.
type RateLimiter struct {
	cache   cache.Store
	window  time.Duration
	maxReqs int
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(store cache.Store, window time.Duration, maxReqs int, log *zap.Logger, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{cache: store, window: window, maxReqs: maxReqs, log: log, metrics: m}
}

// Allow checks if a request is allowed for the given key and, when it is
// not, how long the caller should wait. A cache outage allows the request.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	res, err := rl.cache.Hit(ctx, "ratelimit:"+key, rl.maxReqs, rl.window)
	if err != nil {
		rl.log.Warn("rate limit store unavailable, allowing request", zap.Error(err))
		return true, 0
	}
	if !res.Allowed {
		rl.metrics.RateLimited("ip")
		return false, res.RetryAfter
	}
	return true, 0
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := limiter.Allow(r.Context(), keyFunc(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least one
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// GetIPKey extracts IP address from request for rate limiting. RealIP
// middleware has already resolved forwarded headers into RemoteAddr.
func GetIPKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// ClientIP returns the request's remote address without the port
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
