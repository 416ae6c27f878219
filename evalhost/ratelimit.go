package evalhost

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-backend evaluation rate limits using a token
// bucket.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a rate limiter allowing requestsPerMin evaluations
// per minute. A requestsPerMin of 0 means unlimited.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{}
	if requestsPerMin > 0 {
		r := rate.Limit(float64(requestsPerMin) / 60.0)
		rl.limiter = rate.NewLimiter(r, requestsPerMin)
	}
	return rl
}

// Allow blocks until the evaluation is allowed or the context is done.
// Returns nil immediately if rate limiting is disabled.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	if rl.limiter == nil {
		return nil
	}
	return rl.limiter.Wait(ctx)
}
