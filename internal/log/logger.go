// Package log owns the process-wide structured logger. Every component
// logs through here so the output format and level are decided once, by
// the service config, and field names stay consistent across packages.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

// Setup configures the global logger. Level is one of debug, info, warn,
// error (case-insensitive, unknown values fall back to info). Format is
// "json" or "text"; json is the default and what production runs use.
// Calling Setup again reconfigures the logger, which tests rely on.
func Setup(level, format string) {
	mu.Lock()
	defer mu.Unlock()
	logger = build(os.Stdout, level, format)
	slog.SetDefault(logger)
}

func build(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or an info-level JSON logger if
// Setup has not been called yet.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = build(os.Stdout, "info", "json")
		slog.SetDefault(logger)
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithPartner returns a logger with the partner_id field set.
func WithPartner(id string) *slog.Logger {
	return Get().With(slog.String("partner_id", id))
}

// WithDispatch returns a logger with the dispatch_id field set.
func WithDispatch(id string) *slog.Logger {
	return Get().With(slog.String("dispatch_id", id))
}
