// Package logging builds the structured logger shared by the server, the CLI
// and the evaluator. Output goes to stderr and, when a workspace is given, is
// appended to .callsheet/logs/callsheet.log as well.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options selects the level and handler format.
type Options struct {
	Level  string
	Format string
	// Workspace, when set, adds a file sink under the workspace directory.
	Workspace string
}

// ParseLevel parses a log level string into slog.Level.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h)
}

// Open builds the process logger. The returned closer releases the log file.
func Open(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Workspace == "" {
		return New(os.Stderr, opts), nopCloser{}, nil
	}
	dir := filepath.Join(opts.Workspace, ".callsheet", "logs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create logs directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "callsheet.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return New(io.MultiWriter(os.Stderr, f), opts), f, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
