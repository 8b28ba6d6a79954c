package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"olhovivo2speeds/pkg/otel"
)

// InitLogging installs the default slog logger for the collect and process
// commands. LOG_LEVEL picks the level (debug, info, warn/warning, error;
// default info) and LOG_FORMAT=json switches from text to JSON lines. Every
// record carries the service name and build version.
func InitLogging() {
	slog.SetDefault(NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))
}

// NewLogger builds the logger InitLogging installs, writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(
		slog.String("service", otel.ServiceName),
		slog.String("version", otel.Version),
	)
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values mean info.
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
