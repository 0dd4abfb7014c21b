package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"debridfetch/internal"
)

const maxResponseBytes = 8 << 20

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout     time.Duration
	ProxyURL    string
	UserAgent   string
	RetryConfig *RetryConfig
	Limiter     internal.RateLimiter
	Logger      *internal.SecureLogger
}

// HTTPClient is the transport shared by provider clients. It paces, retries
// throttled and failed calls, and hands back the final response for the
// provider to interpret.
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	mutex       sync.RWMutex
	retryConfig *RetryConfig
	limiter     internal.RateLimiter
	logger      *internal.SecureLogger
}

// Replay decides whether a request may be sent again after a failure
// the provider could already have acted on
type Replay int

const (
	// ReplayAuto treats GET, HEAD, OPTIONS, PUT and DELETE as safe to re-send
	ReplayAuto Replay = iota
	// ReplaySafe marks a request that changes nothing, whatever its method
	ReplaySafe
	// ReplayUnsafe marks a request that creates something, whatever its method
	ReplayUnsafe
)

// Request describes one provider API call
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Form   url.Values
	Header map[string]string
	Replay Replay
}

// replayable reports whether the request may be re-sent after a 5xx or a
// connection lost mid-request
func (r *Request) replayable() bool {
	switch r.Replay {
	case ReplaySafe:
		return true
	case ReplayUnsafe:
		return false
	}
	switch r.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Response is a fully read provider response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	return NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout:     30 * time.Second,
		RetryConfig: DefaultRetryConfig(),
	})
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) *HTTPClient {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}
	if config.RetryConfig.MaxAttempts < 1 {
		config.RetryConfig.MaxAttempts = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = internal.GetLogger()
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "debridfetch/1.0"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, config.ProxyURL); err != nil {
			logger.Warn("Failed to configure proxy %s: %v", config.ProxyURL, err)
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:      client,
		userAgent:   userAgent,
		retryConfig: config.RetryConfig,
		limiter:     config.Limiter,
		logger:      logger,
	}
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			pass, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// SetUserAgent sets a custom user agent string
func (c *HTTPClient) SetUserAgent(userAgent string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.userAgent = userAgent
}

// GetCurrentUserAgent returns the current user agent string
func (c *HTTPClient) GetCurrentUserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgent
}

// StdClient exposes the underlying client for libraries that take an *http.Client
func (c *HTTPClient) StdClient() *http.Client {
	return c.client
}

// Get performs a GET request with retry logic
func (c *HTTPClient) Get(ctx context.Context, rawURL string, query url.Values, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL, Query: query, Header: headers})
}

// PostForm performs a form-encoded POST request with retry logic
func (c *HTTPClient) PostForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, URL: rawURL, Form: form, Header: headers})
}

// Do executes a request. Network failures, 429 and 5xx answers are retried
// up to MaxAttempts; the last response is returned whatever its status.
// A request that is not replayable is only retried on 429 and on dial
// failures, where the provider never saw it.
// Errors returned are always *internal.ResolutionError.
func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	var (
		lastErr    error
		lastResp   *Response
		retryAfter time.Duration
		attempts   int
	)
	replayable := r.replayable()

	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.calculateDelay(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			if delay > c.retryConfig.MaxDelay {
				delay = c.retryConfig.MaxDelay
			}

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, internal.NewCancelledError(ctx.Err())
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, internal.NewCancelledError(err)
			}
		}

		attempts++
		resp, err := c.roundTrip(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, internal.NewCancelledError(ctx.Err())
			}
			lastErr = err
			if !c.isRetryableError(err) || (!replayable && !isDialError(err)) {
				break
			}
			c.logger.Debug("Request %s %s failed (attempt %d/%d): %v", r.Method, r.URL, attempt+1, c.retryConfig.MaxAttempts, err)
			continue
		}

		lastResp, lastErr = resp, nil
		if !shouldRetryStatus(resp.StatusCode) {
			return resp, nil
		}
		if !replayable && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		retryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Debug("Request %s %s returned %d (attempt %d/%d)", r.Method, r.URL, resp.StatusCode, attempt+1, c.retryConfig.MaxAttempts)
	}

	if lastErr != nil {
		return nil, internal.NewProviderUnavailableError(
			fmt.Sprintf("request failed after %d attempts", attempts)).WithCause(lastErr)
	}
	return lastResp, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, r *Request) (*Response, error) {
	target := r.URL
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + r.Query.Encode()
	}

	var body io.Reader
	if r.Form != nil {
		body = strings.NewReader(r.Form.Encode())
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.GetCurrentUserAgent())
	req.Header.Set("Accept", "application/json")
	if r.Form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for key, value := range r.Header {
		req.Header.Set(key, value)
	}

	c.logger.LogHTTPRequest(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	c.logger.LogHTTPResponse(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func shouldRetryStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusNotImplemented:
		return false
	case code >= 500:
		return true
	default:
		return false
	}
}

// calculateDelay calculates the delay for the next retry attempt
func (c *HTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.BaseDelay) * math.Pow(c.retryConfig.Multiplier, float64(attempt-1))

	jitter := delay * c.retryConfig.JitterPercent * (rand.Float64()*2 - 1)
	delay += jitter

	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}

	if delay < 0 {
		delay = float64(c.retryConfig.BaseDelay)
	}

	return time.Duration(delay)
}

// isDialError reports a failure to connect, before any byte of the request was sent
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// isRetryableError determines if a transport error should trigger a retry
func (c *HTTPClient) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"eof",
	}

	for _, retryableErr := range retryableErrors {
		if strings.Contains(errStr, retryableErr) {
			return true
		}
	}

	return false
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// StatusError maps a non-2xx HTTP status onto the resolution taxonomy.
// Providers refine this with their own body-level error codes.
func StatusError(resp *Response) *internal.ResolutionError {
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return internal.NewAuthError(msg).WithCode(strconv.Itoa(resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return internal.NewRateLimitedError(msg, ParseRetryAfter(resp.Header.Get("Retry-After"))).
			WithCode(strconv.Itoa(resp.StatusCode))
	case resp.StatusCode >= 500:
		return internal.NewProviderUnavailableError(msg).WithCode(strconv.Itoa(resp.StatusCode))
	default:
		return internal.NewInvalidSourceError(msg).WithCode(strconv.Itoa(resp.StatusCode))
	}
}

// IsSuccess reports a 2xx status
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
