// Package logger builds the structured loggers used across IVR Tutor.
// It wraps log/slog with a shared set of attribute helpers, context
// propagation and phone-number masking so call logs never carry a full MSISDN.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Format selects the handler used for output.
type Format string

const (
	// FormatJSON writes one JSON object per line (production).
	FormatJSON Format = "json"
	// FormatText writes logfmt-style lines (development).
	FormatText Format = "text"
)

// ParseLevel parses a level name. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "FATAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures a logger.
type Options struct {
	Output    io.Writer
	Level     string
	Format    Format
	AddSource bool
	Service   string
	Version   string
}

// DefaultOptions returns options for a JSON logger on stdout at info level.
func DefaultOptions() Options {
	return Options{
		Output: os.Stdout,
		Level:  "info",
		Format: FormatJSON,
	}
}

// New creates a logger with the given options.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	if opts.Format == FormatText {
		handler = slog.NewTextHandler(opts.Output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	}

	l := slog.New(handler)
	if opts.Service != "" {
		l = l.With(slog.String("service", opts.Service))
	}
	if opts.Version != "" {
		l = l.With(slog.String("version", opts.Version))
	}
	return l
}

// ForEnvironment picks text output for development and JSON everywhere else.
func ForEnvironment(env, level, service, version string) *slog.Logger {
	opts := DefaultOptions()
	opts.Level = level
	opts.Service = service
	opts.Version = version
	if env == "development" {
		opts.Format = FormatText
		opts.AddSource = true
	}
	return New(opts)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type ctxKey struct{}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// RequestIDKey is the attribute key used for request tracing.
const RequestIDKey = "request_id"

// WithRequestID returns a logger with the request id attached.
func WithRequestID(l *slog.Logger, requestID string) *slog.Logger {
	return l.With(slog.String(RequestIDKey, requestID))
}

// MaskPhone keeps the country prefix and the last three digits.
func MaskPhone(phone string) string {
	if len(phone) <= 7 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:4] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-3:]
}

// Err returns an error attribute; nil errors produce an empty value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Domain helpers.
func CallID(id string) slog.Attr        { return slog.String("call_id", id) }
func Phone(phone string) slog.Attr      { return slog.String("phone", MaskPhone(phone)) }
func StudentID(id string) slog.Attr     { return slog.String("student_id", id) }
func Subject(subject string) slog.Attr  { return slog.String("subject", subject) }
func UnitID(id string) slog.Attr        { return slog.String("unit_id", id) }
func State(state string) slog.Attr      { return slog.String("state", state) }
func Component(name string) slog.Attr   { return slog.String("component", name) }
func Operation(name string) slog.Attr   { return slog.String("operation", name) }
func Latency(d time.Duration) slog.Attr { return slog.Duration("latency", d) }
func IntentKind(kind string) slog.Attr  { return slog.String("intent_kind", kind) }
