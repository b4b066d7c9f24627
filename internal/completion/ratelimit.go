package completion

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited throttles how often streams are opened.
type RateLimited struct {
	next    Service
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute stream requests per minute with a burst of one.
func NewRateLimited(next Service, perMinute int) *RateLimited {
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (r *RateLimited) ID() string { return r.next.ID() }

// Stream waits for a token, then delegates.
func (r *RateLimited) Stream(ctx context.Context, p Prompt) (<-chan Chunk, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Stream(ctx, p)
}
