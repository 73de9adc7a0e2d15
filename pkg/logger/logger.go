package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a slog.Logger tagged with the service name. Pretty output uses the
// tint handler for terminals; otherwise records are JSON on stdout.
func New(service string, level slog.Level, pretty bool) *slog.Logger {
	return slog.New(handler(os.Stdout, level, pretty)).With("service", service)
}

func handler(w io.Writer, level slog.Level, pretty bool) slog.Handler {
	if pretty {
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
