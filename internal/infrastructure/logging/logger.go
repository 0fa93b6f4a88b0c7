package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/keeper/internal/infrastructure/config"
)

// Logger wraps slog.Logger with the service's default fields attached.
// Safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New builds a logger from the logging config: level filtering, JSON or
// text format, stdout or stderr output. Every record carries service and
// version attributes.
func New(cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	out := outputWriter(cfg.Output)

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "keeper"),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// outputWriter maps the configured output name to its writer. Anything
// other than stderr goes to stdout.
func outputWriter(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel maps a level name to its slog level. Unrecognised names
// default to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child logger carrying additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns a stdout JSON logger at info level, for use before the
// configuration has been loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
