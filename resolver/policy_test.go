package resolver

import (
	"testing"
	"time"

	"debridfetch/internal"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Interval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}.normalized()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{100, 5 * time.Second},
		{5000, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_FixedInterval(t *testing.T) {
	p := Policy{Interval: 3 * time.Second, Multiplier: 1}.normalized()
	for attempt := 1; attempt < 10; attempt++ {
		if got := p.Delay(attempt); got != 3*time.Second {
			t.Fatalf("Delay(%d) = %s", attempt, got)
		}
	}
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{Multiplier: 0.5, MaxAttempts: -1, MaxTransientErrors: -2}.normalized()
	d := DefaultPolicy()

	if p.Interval != d.Interval || p.Timeout != d.Timeout || p.CleanupTimeout != d.CleanupTimeout {
		t.Errorf("defaults not applied: %+v", p)
	}
	if p.Multiplier != 1 {
		t.Errorf("Multiplier = %v, want 1", p.Multiplier)
	}
	if p.MaxInterval != p.Interval {
		t.Errorf("MaxInterval = %s, want %s", p.MaxInterval, p.Interval)
	}
	if p.MaxAttempts != 0 || p.MaxTransientErrors != 0 {
		t.Errorf("negative bounds kept: %+v", p)
	}
}

func TestPolicy_RetryAfterWins(t *testing.T) {
	p := Policy{Interval: 10 * time.Millisecond, Multiplier: 1}.normalized()

	err := internal.NewRateLimitedError("slow down", time.Second)
	if got := p.retryDelay(1, err); got != time.Second {
		t.Errorf("retryDelay = %s, want 1s", got)
	}
	if got := p.retryDelay(1, internal.NewProviderUnavailableError("502")); got != 10*time.Millisecond {
		t.Errorf("retryDelay without Retry-After = %s", got)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := &internal.Config{
		PollInterval:       time.Second,
		PollMaxInterval:    4 * time.Second,
		PollMultiplier:     2,
		PollTimeout:        time.Minute,
		PollMaxAttempts:    20,
		MaxTransientErrors: 5,
		CleanupTimeout:     3 * time.Second,
	}
	p := PolicyFromConfig(cfg)
	if p.Interval != time.Second || p.MaxInterval != 4*time.Second || p.Multiplier != 2 {
		t.Errorf("cadence = %+v", p)
	}
	if p.Timeout != time.Minute || p.MaxAttempts != 20 || p.MaxTransientErrors != 5 || p.CleanupTimeout != 3*time.Second {
		t.Errorf("bounds = %+v", p)
	}
	if !p.CacheCheck {
		t.Error("CacheCheck should default on")
	}

	if got := PolicyFromConfig(nil); got != DefaultPolicy() {
		t.Errorf("nil config = %+v", got)
	}
}
