package resolver

import (
	"math"
	"time"

	"debridfetch/internal"
)

// Policy controls how a job waits on provider-side processing
type Policy struct {
	// Interval is the delay before the first poll; later delays grow by
	// Multiplier up to MaxInterval. A Multiplier of 1 gives fixed polling.
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64

	// Timeout is the wall-clock budget from submission to a terminal state
	Timeout time.Duration
	// MaxAttempts bounds the number of status polls; zero means unbounded
	MaxAttempts int
	// MaxTransientErrors is how many consecutive RateLimited or
	// ProviderUnavailable poll failures are absorbed before the job fails
	MaxTransientErrors int

	// CleanupTimeout bounds every best-effort deleteJob call
	CleanupTimeout time.Duration

	// CacheCheck asks providers that support it whether the source is cached before submitting
	CacheCheck bool
}

// DefaultPolicy returns the polling policy used when none is given
func DefaultPolicy() Policy {
	return Policy{
		Interval:           2 * time.Second,
		MaxInterval:        15 * time.Second,
		Multiplier:         1.5,
		Timeout:            10 * time.Minute,
		MaxAttempts:        300,
		MaxTransientErrors: 3,
		CleanupTimeout:     5 * time.Second,
		CacheCheck:         true,
	}
}

// PolicyFromConfig builds a policy from the application config
func PolicyFromConfig(cfg *internal.Config) Policy {
	p := DefaultPolicy()
	if cfg == nil {
		return p
	}
	p.Interval = cfg.PollInterval
	p.MaxInterval = cfg.PollMaxInterval
	p.Multiplier = cfg.PollMultiplier
	p.Timeout = cfg.PollTimeout
	p.MaxAttempts = cfg.PollMaxAttempts
	p.MaxTransientErrors = cfg.MaxTransientErrors
	p.CleanupTimeout = cfg.CleanupTimeout
	return p.normalized()
}

// normalized fills unset fields with defaults
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.MaxTransientErrors < 0 {
		p.MaxTransientErrors = 0
	}
	if p.CleanupTimeout <= 0 {
		p.CleanupTimeout = d.CleanupTimeout
	}
	return p
}

// Delay returns the wait before poll number attempt, counting from 1
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Interval) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxInterval) || math.IsInf(delay, 0) {
		return p.MaxInterval
	}
	return time.Duration(delay)
}

// retryDelay is the wait after a transient poll failure. A provider-advertised
// Retry-After wins when it is longer than the normal cadence.
func (p Policy) retryDelay(attempt int, err error) time.Duration {
	delay := p.Delay(attempt)
	if re, ok := internal.AsResolutionError(err); ok && re.RetryAfter > delay {
		delay = re.RetryAfter
	}
	return delay
}
