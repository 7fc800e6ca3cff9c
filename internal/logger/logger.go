// Package logger builds the service's slog loggers.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// New creates a logger. Format "text" renders human-readable lines through
// charmbracelet/log; anything else emits JSON to stdout.
func New(format, level string, extractors ...ContextExtractor) *slog.Logger {
	return NewWithWriter(os.Stdout, format, level, extractors...)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, format, level string, extractors ...ContextExtractor) *slog.Logger {
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		cl := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmLevel(level),
		})
		h = cl
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	}
	return slog.New(NewLogHandlerDecorator(h, extractors...))
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

func charmLevel(level string) charmlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}
