// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for covproj.
//
// Output goes to stderr by default so stdout stays free for command
// results. An optional log directory receives a JSON copy of every record:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.covproj/logs",
//	    Service: "covproj",
//	})
//	defer logger.Close()
//
// Files are named {service}_{date}.log. Library packages never import this
// package; they accept a *slog.Logger and the CLI passes Logger.Slog().
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	// LevelDebug is for troubleshooting output.
	LevelDebug Level = iota

	// LevelInfo is for normal operation.
	LevelInfo

	// LevelWarn is for recoverable problems.
	LevelWarn

	// LevelError is for failed operations.
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Slog converts the level to its slog equivalent.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses debug, info, warn/warning or error, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config configures a Logger.
type Config struct {
	// Level is the minimum level emitted.
	Level Level

	// LogDir enables JSON file logging. Supports ~ expansion.
	LogDir string

	// Service is attached to every record and names the log file.
	Service string

	// JSON switches console output from text to JSON.
	JSON bool

	// Quiet disables console output.
	Quiet bool

	// Output replaces stderr as the console destination.
	Output io.Writer
}

// Logger wraps slog with file output and lifecycle management.
type Logger struct {
	slog *slog.Logger
	file *os.File
	mu   sync.Mutex
}

// New creates a logger.
//
// Description:
//
//	Builds the console handler unless Quiet, adds a JSON file handler
//	when LogDir is set and writable, and fans records out to both. A log
//	directory that cannot be created is skipped silently: logging must
//	never stop the command it observes.
//
// Inputs:
//
//	cfg - Logger configuration.
//
// Outputs:
//
//	*Logger - Ready to use. Call Close to release the log file.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.Slog()}
	var handlers []slog.Handler

	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{}
	if cfg.LogDir != "" {
		if f := openLogFile(cfg); f != nil {
			logger.file = f
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = Fanout(handlers...)
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

func openLogFile(cfg Config) *os.File {
	dir := expandPath(cfg.LogDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil
	}
	service := cfg.Service
	if service == "" {
		service = "covproj"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil
	}
	return f
}

// Default returns an info-level stderr logger.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "covproj"})
}

// Slog returns the underlying slog.Logger for library packages.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// With returns a logger that adds args to every record. The returned
// logger shares the parent's file; only the parent should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Close syncs and closes the log file, if any. Safe to call repeatedly.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// =============================================================================
// Handlers
// =============================================================================

// fanout sends each record to every handler that accepts its level.
type fanout struct {
	handlers []slog.Handler
}

// Fanout returns a handler writing to every given handler.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return &fanout{handlers: handlers}
}

func (h *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanout{handlers: next}
}

func (h *fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanout{handlers: next}
}

// Entry is one record kept by a Capture handler.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Capture is a slog.Handler that keeps records in memory, for tests.
type Capture struct {
	store *captureStore
	attrs []slog.Attr
	level slog.Level
}

type captureStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCapture returns a handler capturing records at or above level.
func NewCapture(level slog.Level) *Capture {
	return &Capture{store: &captureStore{}, level: level}
}

// Enabled implements slog.Handler.
func (c *Capture) Enabled(_ context.Context, level slog.Level) bool { return level >= c.level }

// Handle implements slog.Handler.
func (c *Capture) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(c.attrs))
	for _, a := range c.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.entries = append(c.store.entries, Entry{Level: r.Level, Message: r.Message, Attrs: attrs})
	return nil
}

// WithAttrs implements slog.Handler. The result shares the entry list.
func (c *Capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Capture{
		store: c.store,
		attrs: append(append([]slog.Attr{}, c.attrs...), attrs...),
		level: c.level,
	}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (c *Capture) WithGroup(string) slog.Handler { return c }

// Entries returns a copy of the captured records.
func (c *Capture) Entries() []Entry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return append([]Entry(nil), c.store.entries...)
}

// Messages returns the captured messages in order.
func (c *Capture) Messages() []string {
	entries := c.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
