package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConfigured is returned by credential lookups for a provider that has no stored credentials
var ErrNotConfigured = errors.New("provider not configured")

// ErrorKind is one of the six canonical resolution failure kinds
type ErrorKind int

const (
	KindAuth ErrorKind = iota
	KindRateLimited
	KindProviderUnavailable
	KindInvalidSource
	KindTimeout
	KindEmpty
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// ResolutionError is the only failure shape that leaves the resolution pipeline.
// ProviderMessage and ProviderCode are diagnostic and never drive control flow.
type ResolutionError struct {
	Kind            ErrorKind              `json:"kind"`
	ProviderMessage string                 `json:"provider_message,omitempty"`
	ProviderCode    string                 `json:"provider_code,omitempty"`
	Retryable       bool                   `json:"retryable"`
	Severity        ErrorSeverity          `json:"-"`
	Provider        ProviderID             `json:"provider,omitempty"`
	Op              string                 `json:"-"`
	Source          string                 `json:"-"`
	Suggestion      string                 `json:"suggestion,omitempty"`
	RetryAfter      time.Duration          `json:"-"`
	Context         map[string]interface{} `json:"-"`
	Cause           error                  `json:"-"`
}

// Error implements the error interface
func (e *ResolutionError) Error() string {
	var parts []string

	prefix := "resolution error"
	if e.Provider != "" {
		prefix = string(e.Provider)
		if e.Op != "" {
			prefix += " " + e.Op
		}
	}
	parts = append(parts, fmt.Sprintf("%s (kind: %s)", prefix, e.Kind.String()))

	if e.ProviderMessage != "" {
		parts = append(parts, e.ProviderMessage)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause, so errors.Is(err, context.Canceled) holds for cancelled jobs
func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// DetailedError returns a detailed error message with all available information
func (e *ResolutionError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Severity.String(), e.Kind.String()))

	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("Provider: %s", e.Provider))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Op))
	}
	if e.ProviderCode != "" {
		parts = append(parts, fmt.Sprintf("Code: %s", e.ProviderCode))
	}
	if e.ProviderMessage != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.ProviderMessage))
	}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("Source: %s", redactSensitiveURL(e.Source)))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	parts = append(parts, fmt.Sprintf("Retryable: %t", e.Retryable))
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("Retry after: %s", e.RetryAfter))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindRateLimited:
		return "RateLimited"
	case KindProviderUnavailable:
		return "ProviderUnavailable"
	case KindInvalidSource:
		return "InvalidSource"
	case KindTimeout:
		return "Timeout"
	case KindEmpty:
		return "Empty"
	default:
		return "Unknown"
	}
}

// MarshalText renders the kind by name in JSON payloads
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewResolutionError creates a ResolutionError with the kind's default retryability, severity and suggestion
func NewResolutionError(kind ErrorKind, message string) *ResolutionError {
	return &ResolutionError{
		Kind:            kind,
		ProviderMessage: message,
		Retryable:       defaultRetryable(kind),
		Severity:        getDefaultSeverity(kind),
		Suggestion:      getDefaultSuggestion(kind),
		Context:         make(map[string]interface{}),
	}
}

// WithProvider records which provider produced the error
func (e *ResolutionError) WithProvider(id ProviderID) *ResolutionError {
	e.Provider = id
	return e
}

// WithOp records the provider operation that failed (submit, poll, fetch, ...)
func (e *ResolutionError) WithOp(op string) *ResolutionError {
	e.Op = op
	return e
}

// WithCode keeps the raw provider error code for diagnostics
func (e *ResolutionError) WithCode(code string) *ResolutionError {
	e.ProviderCode = code
	return e
}

// WithCause wraps an underlying error
func (e *ResolutionError) WithCause(err error) *ResolutionError {
	e.Cause = err
	return e
}

// WithSource adds the source link (redacted in detailed output)
func (e *ResolutionError) WithSource(source string) *ResolutionError {
	e.Source = source
	return e
}

// WithSuggestion adds a custom suggestion to the error
func (e *ResolutionError) WithSuggestion(suggestion string) *ResolutionError {
	e.Suggestion = suggestion
	return e
}

// WithRetryAfter sets the provider-advertised retry delay
func (e *ResolutionError) WithRetryAfter(d time.Duration) *ResolutionError {
	e.RetryAfter = d
	return e
}

// WithContext adds context information to the error
func (e *ResolutionError) WithContext(key string, value interface{}) *ResolutionError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if a fresh attempt may succeed
func (e *ResolutionError) IsRetryable() bool {
	return e.Retryable
}

// IsCritical returns true if the error is critical and should stop execution
func (e *ResolutionError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// AsResolutionError extracts a *ResolutionError from an error chain
func AsResolutionError(err error) (*ResolutionError, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf returns the kind of a resolution error anywhere in the chain
func KindOf(err error) (ErrorKind, bool) {
	if re, ok := AsResolutionError(err); ok {
		return re.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries a ResolutionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

func defaultRetryable(kind ErrorKind) bool {
	switch kind {
	case KindRateLimited, KindProviderUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

func getDefaultSuggestion(kind ErrorKind) string {
	switch kind {
	case KindAuth:
		return "Re-authenticate with 'debridfetch auth <provider>'"
	case KindRateLimited:
		return "The provider is throttling requests. Wait before retrying"
	case KindProviderUnavailable:
		return "The provider could not be reached. Try again later or use a proxy"
	case KindInvalidSource:
		return "Check that the magnet or hoster link is valid and supported by the provider"
	case KindTimeout:
		return "The provider did not finish in time. Retrying starts a new job"
	case KindEmpty:
		return "The provider returned no playable link for this source"
	default:
		return ""
	}
}

func getDefaultSeverity(kind ErrorKind) ErrorSeverity {
	switch kind {
	case KindRateLimited, KindTimeout:
		return SeverityWarning
	case KindAuth:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL redacts query parameters, which may carry tokens or api keys
func redactSensitiveURL(url string) string {
	if strings.HasPrefix(url, "magnet:") {
		return url
	}
	if strings.Contains(url, "?") {
		parts := strings.Split(url, "?")
		return parts[0] + "?[REDACTED]"
	}
	return url
}

// Common error constructors

// NewAuthError creates an error for missing, rejected or expired credentials
func NewAuthError(message string) *ResolutionError {
	return NewResolutionError(KindAuth, message)
}

// NewRateLimitedError creates an error for provider throttling
func NewRateLimitedError(message string, retryAfter time.Duration) *ResolutionError {
	return NewResolutionError(KindRateLimited, message).WithRetryAfter(retryAfter)
}

// NewProviderUnavailableError creates an error for 5xx answers and network failures
func NewProviderUnavailableError(message string) *ResolutionError {
	return NewResolutionError(KindProviderUnavailable, message)
}

// NewInvalidSourceError creates an error for a source the provider rejects
func NewInvalidSourceError(message string) *ResolutionError {
	return NewResolutionError(KindInvalidSource, message)
}

// NewTimeoutError creates an error for a job that exceeded its polling budget
func NewTimeoutError(message string) *ResolutionError {
	return NewResolutionError(KindTimeout, message)
}

// NewEmptyError creates an error for a finished job without a usable link
func NewEmptyError(message string) *ResolutionError {
	return NewResolutionError(KindEmpty, message)
}

// NewCancelledError maps caller cancellation onto the Timeout kind while keeping the context error as cause
func NewCancelledError(ctxErr error) *ResolutionError {
	if ctxErr == nil {
		ctxErr = context.Canceled
	}
	msg := "resolution cancelled"
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		msg = "resolution deadline exceeded"
	}
	return NewTimeoutError(msg).WithCause(ctxErr)
}
