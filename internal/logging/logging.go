// Package logging builds the slog loggers used by the cowfork CLI and the
// simulated kernel.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Level  string    // "debug", "info", "warn", "error"
	Format string    // "json", "text", or "" to pick text on a terminal
	Output io.Writer // defaults to os.Stderr
}

// New creates a configured *slog.Logger.
func New(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if useText(cfg.Format, out) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithFields returns a child logger with additional context fields.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

func useText(format string, out io.Writer) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return true
	case "json":
		return false
	}
	return IsTerminal(out)
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ValidateLevel reports whether s names a log level.
func ValidateLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", s)
}

// ValidateFormat reports whether s names a log format. Empty means auto.
func ValidateFormat(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json", "text":
		return nil
	}
	return fmt.Errorf("invalid log format %q: must be json or text", s)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
