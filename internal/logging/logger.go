package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// A non-empty level ("debug", "info", "warn", "error") overrides the
// environment default.
func NewLogger(env, level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env, level)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		if lvl, ok := parseLevel(level); ok {
			opts.Level = lvl
		}

		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		if lvl, ok := parseLevel(level); ok {
			opts.Level = lvl
		}

		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string) (slog.Level, bool) {
	if strings.TrimSpace(s) == "" {
		return 0, false
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, false
	}

	return lvl, true
}
