package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"debridfetch/internal"
)

// TokenBucketLimiter paces provider requests with a token bucket.
// Waiters reserve their token up front, so concurrent callers queue in order.
type TokenBucketLimiter struct {
	mutex      sync.Mutex
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
}

// NewTokenBucketLimiter creates a limiter allowing perSecond requests with the given burst.
// A rate of zero disables limiting.
func NewTokenBucketLimiter(perSecond float64, burst int) internal.RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:       perSecond,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Wait blocks until one request may be issued
func (r *TokenBucketLimiter) Wait(ctx context.Context) error {
	wait := r.reserve()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.release()
		return ctx.Err()
	}
}

func (r *TokenBucketLimiter) reserve() time.Duration {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.rate <= 0 {
		return 0
	}

	now := r.now()
	elapsed := now.Sub(r.lastUpdate)
	r.lastUpdate = now
	r.tokens += elapsed.Seconds() * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}

	r.tokens--
	if r.tokens >= 0 {
		return 0
	}
	return time.Duration(-r.tokens / r.rate * float64(time.Second))
}

// release returns a reserved token when the waiter gave up
func (r *TokenBucketLimiter) release() {
	r.mutex.Lock()
	r.tokens++
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.mutex.Unlock()
}

// SetRate updates the rate limit
func (r *TokenBucketLimiter) SetRate(perSecond float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.rate = perSecond
}

// Rate returns the current rate in requests per second
func (r *TokenBucketLimiter) Rate() float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.rate
}

// ParseRate parses human-readable request rates such as "4", "4/s", "120/m" or "1000/h"
func ParseRate(rateStr string) (float64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	numStr, unit := rateStr, "s"
	if i := strings.Index(rateStr, "/"); i >= 0 {
		numStr = strings.TrimSpace(rateStr[:i])
		unit = strings.ToLower(strings.TrimSpace(rateStr[i+1:]))
	}

	val, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}
	if val < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %s", rateStr)
	}

	switch unit {
	case "s", "sec", "second":
		return val, nil
	case "m", "min", "minute":
		return val / 60, nil
	case "h", "hour":
		return val / 3600, nil
	default:
		return 0, fmt.Errorf("invalid rate unit: %s (use s, m or h)", unit)
	}
}
