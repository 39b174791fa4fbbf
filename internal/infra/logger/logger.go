// Package logger builds the process-wide slog logger from config.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Settings is the subset of configuration the logger needs. It mirrors the
// logger block of the daemon config.
type Settings struct {
	Level  string
	Format string
	Output string
}

// New constructs a logger per the settings. The returned closer releases
// file-backed outputs and is a no-op for the standard streams; defer it.
func New(s Settings) (*slog.Logger, func() error, error) {
	w, closeFn, err := sink(s.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(handlerFor(s.Format, w, levelFor(s.Level))), closeFn, nil
}

func handlerFor(format string, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// levelFor maps a config string to a slog level. Unknown values fall back
// to info rather than failing startup.
func levelFor(s string) slog.Level {
	switch strings.ToLower(s) {
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

// sink resolves an output target to a writer. Anything that is not a known
// stream name is treated as a file path and opened append-only.
func sink(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	case "discard":
		return io.Discard, noop, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
