package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"

	"pricealert/internal/logger"
)

// Limiter is satisfied by *redis_rate.Limiter.
type Limiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// RateLimit limits requests per client IP to perMinute. Limiter errors let the
// request through.
func RateLimit(limiter Limiter, perMinute int, log *zap.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	limit := redis_rate.PerMinute(perMinute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ratelimit:" + r.URL.Path + ":" + clientIP(r)
			res, err := limiter.Allow(r.Context(), key, limit)
			if err != nil {
				log.Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if res.Allowed == 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Success: false, Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
