// Package log configures the gateway's structured logging. Warnings and
// errors go to stderr (text or JSON); when a debug directory is configured,
// all levels are additionally written as JSON lines to dated files.
//
// Nothing logged through this package may contain secret or placeholder
// bytes. Call sites log hosts, header names, strategy kinds, and counts.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var logger = slog.Default()
var debugFile *fileWriter

// Options configures the global logger.
type Options struct {
	// Verbose lowers the stderr threshold to debug.
	Verbose bool
	// JSONFormat emits JSON instead of text on stderr.
	JSONFormat bool
	// DebugDir enables dated JSON debug files when non-empty.
	DebugDir string
	// RetentionDays prunes debug files older than this (0 keeps all).
	RetentionDays int
	// Stderr overrides the stderr writer (tests).
	Stderr io.Writer
}

// Init installs the global logger.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, handlerOpts))
	}

	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			cleanup(opts.DebugDir, opts.RetentionDays)
		}
		fw, err := newFileWriter(opts.DebugDir)
		if err != nil {
			return err
		}
		debugFile = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	logger = slog.New(&teeHandler{handlers: handlers})
	slog.SetDefault(logger)
	return nil
}

// Close flushes and closes the debug file, if any.
func Close() {
	if debugFile != nil {
		debugFile.Close()
		debugFile = nil
	}
}

// SetOutput points the logger at a single debug-level text writer (tests).
func SetOutput(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns a logger carrying additional attributes.
func With(args ...any) *slog.Logger { return logger.With(args...) }

// teeHandler fans one record out to every handler that wants its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}
