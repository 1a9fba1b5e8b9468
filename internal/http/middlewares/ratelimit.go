package middlewares

import (
	"fmt"
	"net/http"

	"oidcgw/internal/metrics"
	"oidcgw/internal/observability/logger"
	"oidcgw/internal/rate"
)

// IPPathRateKey keys limits on client IP plus path, so the login and
// email endpoints count separately per client.
func IPPathRateKey(r *http.Request) string {
	return clientIP(r) + "|" + r.URL.Path
}

// WithRateLimit rejects requests over the limiter's window with a 429.
// A limiter backend failure lets the request through: availability of the
// login flow beats strictness of the limit.
func WithRateLimit(l rate.Limiter, endpoint string, keyFn func(*http.Request) string) Middleware {
	if keyFn == nil {
		keyFn = IPPathRateKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), keyFn(r))
			if err != nil {
				logger.From(r.Context()).Warn("rate limiter unavailable", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				metrics.RateLimited.WithLabelValues(endpoint).Inc()
				if res.RetryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
				}
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
