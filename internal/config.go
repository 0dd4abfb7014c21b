package internal

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// Provider endpoints
	AllDebridBaseURL   string
	AllDebridAgent     string
	PremiumizeBaseURL  string
	RealDebridBaseURL  string
	RealDebridOAuthURL string
	RealDebridClientID string

	// Transport
	HTTPTimeout       time.Duration
	ProxyURL          string
	MaxRetries        int
	RequestsPerSecond float64
	UserAgent         string

	// Polling policy
	PollInterval       time.Duration
	PollMaxInterval    time.Duration
	PollMultiplier     float64
	PollTimeout        time.Duration
	PollMaxAttempts    int
	MaxTransientErrors int
	CleanupTimeout     time.Duration

	// Storage
	CredentialsDB string
	HintTTL       time.Duration
	HintSize      int

	ServerAddr string

	// Logging configuration
	LogLevel    string
	LogFormat   string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		AllDebridBaseURL:   "https://api.alldebrid.com/v4",
		AllDebridAgent:     "debridfetch",
		PremiumizeBaseURL:  "https://www.premiumize.me/api",
		RealDebridBaseURL:  "https://api.real-debrid.com/rest/1.0",
		RealDebridOAuthURL: "https://api.real-debrid.com/oauth/v2",
		RealDebridClientID: "X245A4XAIBGVM",

		HTTPTimeout:       30 * time.Second,
		MaxRetries:        3,
		RequestsPerSecond: 4,
		UserAgent:         "debridfetch/1.0",

		PollInterval:       2 * time.Second,
		PollMaxInterval:    15 * time.Second,
		PollMultiplier:     1.5,
		PollTimeout:        10 * time.Minute,
		PollMaxAttempts:    300,
		MaxTransientErrors: 3,
		CleanupTimeout:     5 * time.Second,

		CredentialsDB: "debridfetch.db",
		HintTTL:       10 * time.Minute,
		HintSize:      512,

		ServerAddr: ":8089",

		// Logging defaults
		LogLevel:    "info",
		LogFormat:   "console",
		EnableDebug: false,
		QuietMode:   false,
		LogFile:     "", // Empty means stderr
	}
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	for name, raw := range map[string]string{
		"alldebrid-url":    c.AllDebridBaseURL,
		"premiumize-url":   c.PremiumizeBaseURL,
		"realdebrid-url":   c.RealDebridBaseURL,
		"realdebrid-oauth": c.RealDebridOAuthURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewValidationErrorWithValue(name, "must be an absolute URL", raw)
		}
	}

	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil {
			return NewValidationErrorWithValue("proxy", "invalid proxy URL", c.ProxyURL)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "socks5":
		default:
			return NewValidationErrorWithValue("proxy", "unsupported proxy scheme", u.Scheme).
				WithSuggestion("Use http://, https:// or socks5://")
		}
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("invalid http timeout: %s (must be > 0)", c.HTTPTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d (must be >= 0)", c.MaxRetries)
	}

	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("invalid request rate: %v (must be >= 0)", c.RequestsPerSecond)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %s (must be > 0)", c.PollInterval)
	}

	if c.PollMaxInterval < c.PollInterval {
		return fmt.Errorf("poll max interval %s is below poll interval %s", c.PollMaxInterval, c.PollInterval)
	}

	if c.PollMultiplier < 1 {
		return fmt.Errorf("invalid poll multiplier: %v (must be >= 1)", c.PollMultiplier)
	}

	if c.PollTimeout <= 0 {
		return fmt.Errorf("invalid poll timeout: %s (must be > 0)", c.PollTimeout)
	}

	if c.PollMaxAttempts < 1 {
		return fmt.Errorf("invalid poll max attempts: %d (must be >= 1)", c.PollMaxAttempts)
	}

	if c.CleanupTimeout <= 0 {
		return fmt.Errorf("invalid cleanup timeout: %s (must be > 0)", c.CleanupTimeout)
	}

	if c.HintSize < 1 {
		return fmt.Errorf("invalid hint cache size: %d (must be >= 1)", c.HintSize)
	}

	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return NewValidationErrorWithValue("log-format", "must be console or json", c.LogFormat)
	}

	return nil
}
