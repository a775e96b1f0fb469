package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/soilscope/advisory-platform/internal/apperr"
	"github.com/soilscope/advisory-platform/internal/ratelimit"
	"github.com/soilscope/advisory-platform/pkg/metrics"
)

// RateLimit creates coarse sliding-window rate limiting for the whole API.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(clientKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			retryAfter := int(windowLength.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

// FixedWindow guards a route with limiter: at most max requests per client in
// each window. Rejected requests still count toward the window.
func FixedWindow(limiter *ratelimit.Limiter, route string, window time.Duration, max int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := clientKey(r)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			res := limiter.CheckAndConsume(key, route, window, max)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(route).Inc()
				limited := &apperr.RateLimitedError{Limit: res.Limit, ResetAt: res.ResetAt}
				h.Set("Retry-After", strconv.Itoa(limited.RetryAfter(limiter.Now())))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller by user id when authenticated, otherwise by IP.
func clientKey(r *http.Request) (string, error) {
	if userID := GetUserID(r.Context()); userID != "" {
		return "user:" + userID, nil
	}
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + ip, nil
}
