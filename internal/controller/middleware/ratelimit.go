package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"transferplane/pkg/api"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per access token.
type RateLimiter struct {
	limiters sync.Map // token ID -> *cachedLimiter
	ttl      time.Duration
	clock    clock.Clock
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long a limiter is kept before it is rebuilt from the token's settings.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// WithClock overrides the clock used for limiter expiry.
func WithClock(clk clock.Clock) RateLimiterOption {
	return func(rl *RateLimiter) { rl.clock = clk }
}

// NewRateLimiter creates a limiter with a 5 minute TTL by default.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{ttl: 5 * time.Minute, clock: clock.WallClock}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware rejects requests over the authenticated token's rate.
// It must run after AuthMiddleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := TokenFromContext(r.Context())
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(api.ErrorResponse{
					Error: "Unauthorized",
					Code:  "401",
				})
				return
			}

			// RateLimit=0 means unlimited
			if token.RateLimit > 0 {
				if !rl.limiter(token.ID, token.RateLimit, token.RateLimitBurst).Allow() {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) limiter(id uuid.UUID, limit float64, burst int) *rate.Limiter {
	now := rl.clock.Now()
	if v, ok := rl.limiters.Load(id); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	rl.limiters.Store(id, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}
