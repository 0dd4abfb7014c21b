package internal

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// SecureLogger is a zap logger whose messages pass through redactors before being written
type SecureLogger struct {
	zl        *zap.Logger
	atom      zap.AtomicLevel
	mu        sync.RWMutex
	redactors []Redactor
}

// Redactor defines an interface for redacting sensitive information
type Redactor interface {
	Redact(input string) string
}

// HeaderRedactor redacts credentials carried in header dumps
type HeaderRedactor struct{}

var headerPattern = regexp.MustCompile(`(?i)(authorization:\s*(?:bearer\s+)?|bearer\s+)[^\s;,"]+`)

func (r *HeaderRedactor) Redact(input string) string {
	return headerPattern.ReplaceAllString(input, "${1}[REDACTED]")
}

// ParamRedactor redacts secret query parameters and JSON string fields
type ParamRedactor struct{}

var (
	paramPattern = regexp.MustCompile(`(?i)\b(apikey|api_key|access_token|refresh_token|client_secret|token|key|secret|password|check|code)=[^&\s"]+`)
	jsonPattern  = regexp.MustCompile(`(?i)("(?:apikey|api_key|access_token|refresh_token|client_secret|device_code|code)"\s*:\s*")[^"]*"`)
)

func (r *ParamRedactor) Redact(input string) string {
	result := paramPattern.ReplaceAllString(input, "${1}=[REDACTED]")
	return jsonPattern.ReplaceAllString(result, `${1}[REDACTED]"`)
}

// NewSecureLogger creates a new secure logger writing to output.
// format is "json" or "console".
func NewSecureLogger(output io.Writer, level LogLevel, format string, debug, quiet bool) *SecureLogger {
	if quiet {
		level = LogLevelError
	} else if debug {
		level = LogLevelDebug
	}
	atom := zap.NewAtomicLevelAt(level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	opts := []zap.Option{zap.AddCallerSkip(2)}
	if debug {
		opts = append(opts, zap.AddCaller())
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(output)), atom)

	return &SecureLogger{
		zl:   zap.New(core, opts...),
		atom: atom,
		redactors: []Redactor{
			&HeaderRedactor{},
			&ParamRedactor{},
		},
	}
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	return NewSecureLogger(os.Stderr, LogLevelInfo, "console", debug, quiet)
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *SecureLogger {
	return &SecureLogger{zl: zap.NewNop(), atom: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// With returns a child logger carrying structured fields; string field values are redacted
func (sl *SecureLogger) With(fields ...zap.Field) *SecureLogger {
	for i := range fields {
		if fields[i].Type == zapcore.StringType {
			fields[i].String = sl.redactSensitiveData(fields[i].String)
		}
	}
	sl.mu.RLock()
	redactors := append([]Redactor(nil), sl.redactors...)
	sl.mu.RUnlock()
	return &SecureLogger{
		zl:        sl.zl.With(fields...),
		atom:      sl.atom,
		redactors: redactors,
	}
}

// Sync flushes buffered log entries
func (sl *SecureLogger) Sync() error {
	return sl.zl.Sync()
}

func (sl *SecureLogger) redactSensitiveData(input string) string {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	result := input
	for _, redactor := range sl.redactors {
		result = redactor.Redact(result)
	}
	return result
}

func (sl *SecureLogger) log(level zapcore.Level, format string, args []interface{}) {
	if !sl.atom.Enabled(level) {
		return
	}
	message := sl.redactSensitiveData(fmt.Sprintf(format, args...))
	if ce := sl.zl.Check(level, message); ce != nil {
		ce.Write()
	}
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.log(zapcore.ErrorLevel, format, args)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.log(zapcore.WarnLevel, format, args)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.log(zapcore.InfoLevel, format, args)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.log(zapcore.DebugLevel, format, args)
}

// LogHTTPRequest logs an HTTP request with sensitive data redacted
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.atom.Enabled(zapcore.DebugLevel) {
		return
	}
	sl.Debug("HTTP Request: %s %s Headers: %v", req.Method, req.URL.String(), sanitizeHeaders(req.Header))
}

// LogHTTPResponse logs an HTTP response with sensitive data redacted
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.atom.Enabled(zapcore.DebugLevel) {
		return
	}
	sl.Debug("HTTP Response: %s Headers: %v", resp.Status, sanitizeHeaders(resp.Header))
}

func sanitizeHeaders(h http.Header) map[string]string {
	sanitized := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name) {
			sanitized[name] = "[REDACTED]"
		} else {
			sanitized[name] = strings.Join(values, ", ")
		}
	}
	return sanitized
}

func isSensitiveHeader(name string) bool {
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"x-auth-token",
		"x-api-key",
		"token",
	}

	lowerName := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if strings.Contains(lowerName, sensitive) {
			return true
		}
	}
	return false
}

// SetLevel sets the logging level
func (sl *SecureLogger) SetLevel(level LogLevel) {
	sl.atom.SetLevel(level.zapLevel())
}

// SetDebug enables or disables debug level output
func (sl *SecureLogger) SetDebug(debug bool) {
	if debug {
		sl.atom.SetLevel(zapcore.DebugLevel)
	} else if sl.atom.Level() == zapcore.DebugLevel {
		sl.atom.SetLevel(zapcore.InfoLevel)
	}
}

// SetQuiet restricts output to errors
func (sl *SecureLogger) SetQuiet(quiet bool) {
	if quiet {
		sl.atom.SetLevel(zapcore.ErrorLevel)
	}
}

// AddRedactor adds a custom redactor
func (sl *SecureLogger) AddRedactor(redactor Redactor) {
	sl.mu.Lock()
	sl.redactors = append(sl.redactors, redactor)
	sl.mu.Unlock()
}

// std backs the package-level logging helpers used by the CLI
var std atomic.Pointer[SecureLogger]

// InitLogger builds the process logger from config. A LogFile that cannot be
// opened is reported as a validation error on log_file.
func InitLogger(config *Config) error {
	out := io.Writer(os.Stderr)
	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			ve := NewValidationErrorWithValue("log_file", "cannot open log file", config.LogFile).
				WithSuggestion("Point log_file at a writable path in an existing directory")
			ve.Context["error"] = err.Error()
			return ve
		}
		out = f
	}
	std.Store(NewSecureLogger(out, parseLogLevel(config.LogLevel), config.LogFormat, config.EnableDebug, config.QuietMode))
	return nil
}

func SetLogger(l *SecureLogger) { std.Store(l) }

// GetLogger returns the process logger, creating a stderr one on first use
func GetLogger() *SecureLogger {
	if l := std.Load(); l != nil {
		return l
	}
	std.CompareAndSwap(nil, NewDefaultLogger(false, false))
	return std.Load()
}

// parseLogLevel is lenient: unknown names mean info
func parseLogLevel(name string) LogLevel {
	switch strings.ToLower(name) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	}
	return LogLevelInfo
}

func LogError(format string, args ...interface{}) { GetLogger().Error(format, args...) }
func LogWarn(format string, args ...interface{}) { GetLogger().Warn(format, args...) }
func LogInfo(format string, args ...interface{}) { GetLogger().Info(format, args...) }
func LogDebug(format string, args ...interface{}) { GetLogger().Debug(format, args...) }

// LogResolutionError writes the detailed form of err; warnings and info
// severities stay below error level.
func LogResolutionError(err *ResolutionError) {
	l := GetLogger()
	switch err.Severity {
	case SeverityInfo:
		l.Info("%s", err.DetailedError())
	case SeverityWarning:
		l.Warn("%s", err.DetailedError())
	case SeverityCritical:
		l.Error("critical: %s", err.DetailedError())
	default:
		l.Error("%s", err.DetailedError())
	}
}

func LogValidationError(err *ValidationError) {
	GetLogger().Error("invalid input: %s", err.Error())
}
