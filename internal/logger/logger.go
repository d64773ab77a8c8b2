// Package logger builds structured slog loggers for esmtpd: JSON by default,
// with credential-bearing attributes redacted before they reach the handler
// and a correlation ID threaded from the HTTP layer down to the SMTP/store
// layers via context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ContextKey namespaces esmtpd's own context keys away from the rest of the
// request context (request-scoped values set by net/http middleware, etc).
type ContextKey string

const (
	// CorrelationIDKey is the context key esmtpd stores its own correlation
	// ID under.
	CorrelationIDKey ContextKey = "correlation_id"
	// RequestIDKey is a secondary key GetCorrelationID consults when no
	// correlation ID is set. It is not the key chi's middleware.RequestID
	// uses, so chi's request ID is only seen once copied in via
	// SetCorrelationID.
	RequestIDKey ContextKey = "request_id"
)

// Config controls the logger New builds.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format selects the slog.Handler: "json" or "text".
	Format string
	// Output is the log destination: stdout, stderr, or a file path.
	Output string
	// AddSource annotates each record with its call site.
	AddSource bool
}

// DefaultConfig reads LOG_LEVEL/LOG_FORMAT/LOG_OUTPUT/LOG_ADD_SOURCE, falling
// back to a JSON logger on stdout at info level.
func DefaultConfig() Config {
	return Config{
		Level:     getEnv("LOG_LEVEL", "info"),
		Format:    getEnv("LOG_FORMAT", "json"),
		Output:    getEnv("LOG_OUTPUT", "stdout"),
		AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
	}
}

// New builds a slog.Logger per cfg. Unknown Output values are treated as a
// file path to append to, falling back to stdout if the file can't be opened.
func New(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = file
		}
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: sanitizeAttributes,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// sanitizeAttributes redacts attribute values whose key names look like they
// carry a credential (password, token, API key, ...), including as a
// substring of a longer key such as "jwt_token" or "smtp_auth_password", so a
// call site that logs such an attribute does not leak its value.
func sanitizeAttributes(groups []string, a slog.Attr) slog.Attr {
	sensitiveKeys := map[string]bool{
		"password":       true,
		"token":          true,
		"access_token":   true,
		"refresh_token":  true,
		"secret":         true,
		"api_key":        true,
		"apikey":         true,
		"authorization":  true,
		"auth":           true,
		"credential":     true,
		"credentials":    true,
		"private_key":    true,
		"encryption_key": true,
	}

	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	for sensitive := range sensitiveKeys {
		if strings.Contains(key, sensitive) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// WithCorrelationID returns logger with the request's correlation ID (if any
// is set on ctx) attached as a standing field, so every subsequent log line
// from the returned logger carries it without the caller repeating it.
func WithCorrelationID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	correlationID := GetCorrelationID(ctx)
	if correlationID == "" {
		return logger
	}
	return logger.With(slog.String("correlation_id", correlationID))
}

// GetCorrelationID extracts the correlation ID esmtpd set on ctx, falling
// back to a string stored under RequestIDKey.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok && id != "" {
		return id
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// SetCorrelationID attaches a correlation ID to ctx for later retrieval by
// GetCorrelationID/WithCorrelationID.
func SetCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
