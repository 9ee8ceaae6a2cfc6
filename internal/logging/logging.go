// Package logging builds the structured logger used by the framefs
// command.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// ParseLevel parses one of debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a logger writing to stderr. When stderr is a terminal
// the output is text, otherwise JSON.
func New(level slog.Level) *slog.Logger {
	return NewWriter(os.Stderr, level, term.IsTerminal(int(os.Stderr.Fd())))
}

// NewWriter returns a logger writing text or JSON records to w.
func NewWriter(w io.Writer, level slog.Level, text bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if text {
		handler = slog.NewTextHandler(w, options)
	} else {
		handler = slog.NewJSONHandler(w, options)
	}
	return slog.New(handler)
}
