package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/feedlens/internal/api/response"
	"github.com/kiranshivaraju/feedlens/internal/ratelimit"
)

// RateLimit charges every authenticated request to its caller's sliding window.
type RateLimit struct {
	limiter ratelimit.Limiter
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(l ratelimit.Limiter) *RateLimit {
	return &RateLimit{limiter: l}
}

// Limit applies rate limiting based on the caller_id set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := GetCallerID(r)
		if !ok {
			// No caller means auth middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		d, err := rl.limiter.Allow(r.Context(), callerID)
		if err != nil {
			// Fail open when the limiter store is unreachable.
			slog.Warn("rate limiter unavailable", "caller_id", callerID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			response.TooManyRequests(w, d.RetryAfter, "RATE_LIMIT_EXCEEDED", "Too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
