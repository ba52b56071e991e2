package app

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// NewLogger builds the process logger. format "text" gives colourised
// human-readable output for local runs; anything else is JSON on stdout.
// Unknown level strings default to INFO.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	// file:line only in debug mode
	addSource := l == slog.LevelDebug

	if format == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:     l,
			AddSource: addSource,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     l,
		AddSource: addSource,
	}))
}
