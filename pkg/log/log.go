// Package log installs the process-wide slog handler.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
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

// NewHandler builds the handler for format writing to w.
func NewHandler(w io.Writer, logLevel, format string) slog.Handler {
	level := ParseLevel(logLevel)

	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatPretty:
		noColor := true
		if f, ok := w.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
		}

		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    noColor,
		})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
}

// Setup installs the default logger writing to stderr and returns it.
func Setup(logLevel, format string) *slog.Logger {
	logger := slog.New(NewHandler(os.Stderr, logLevel, format))
	slog.SetDefault(logger)

	return logger
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
