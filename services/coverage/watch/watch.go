// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch delivers debounced batches of manifest file changes.
//
// A Watcher observes one directory. Events for matching files are
// collected until the directory has been quiet for the debounce window,
// deduplicated per path, and handed to the handler in one call. Handler
// calls are serialized and optionally rate limited.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// ErrNilHandler is returned by New when no handler is given.
var ErrNilHandler = errors.New("watch: nil handler")

// Op is the kind of change seen for a file.
type Op int

const (
	// OpCreate means the file appeared.
	OpCreate Op = iota

	// OpWrite means the file was modified.
	OpWrite

	// OpRemove means the file was deleted or renamed away.
	OpRemove
)

// String returns the operation name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one file change after deduplication.
type Change struct {
	Path string
	Op   Op
	Time time.Time
}

// Handler receives each debounced batch. Returning an error logs it; the
// watcher keeps running.
type Handler func(ctx context.Context, changes []Change) error

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period before a batch is delivered.
	// Default: 200ms.
	Debounce time.Duration

	// Extensions selects files by suffix. Default: .yaml, .yml.
	Extensions []string

	// Ignore lists glob patterns matched against the base name.
	// Default: editor swap and temp files.
	Ignore []string

	// MaxRunsPerSecond limits handler calls. Zero means unlimited.
	MaxRunsPerSecond float64

	// BufferSize bounds pending raw events. Default: 1024.
	BufferSize int

	// Logger receives watcher diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:   200 * time.Millisecond,
		Extensions: []string{".yaml", ".yml"},
		Ignore:     []string{".*", "*~", "*.swp", "*.tmp"},
		BufferSize: 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	if len(o.Extensions) == 0 {
		o.Extensions = d.Extensions
	}
	if o.Ignore == nil {
		o.Ignore = d.Ignore
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Watcher watches one directory for manifest changes.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. The handler runs on
// a single goroutine.
type Watcher struct {
	dir     string
	opts    Options
	handler Handler
	limiter *rate.Limiter
	logger  *slog.Logger

	fsw     *fsnotify.Watcher
	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	dropped  int
}

// New creates a watcher for dir. Call Start to begin delivering batches.
func New(dir string, handler Handler, opts Options) (*Watcher, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &os.PathError{Op: "watch", Path: dir, Err: errors.New("not a directory")}
	}

	opts = opts.withDefaults()
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With(slog.String("component", "watch"), slog.String("dir", dir)),
		fsw:     fsw,
		changes: make(chan Change, opts.BufferSize),
		done:    make(chan struct{}),
	}
	if opts.MaxRunsPerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.MaxRunsPerSecond), 1)
	}
	return w, nil
}

// Start registers the directory and launches the event and debounce
// goroutines. They exit when ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	w.started = true

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	w.logger.Info("watching for manifest changes", slog.Duration("debounce", w.opts.Debounce))
	return nil
}

// Stop closes the watcher and waits for a handler call in progress.
// Pending changes are flushed first. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

// Run starts the watcher and blocks until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Dropped returns how many raw events were discarded on a full buffer.
func (w *Watcher) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Matches reports whether path names a watched manifest file.
func (w *Watcher) Matches(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.Ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
	}
	ext := strings.ToLower(filepath.Ext(base))
	return slices.Contains(w.opts.Extensions, ext)
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.Matches(event.Name) {
				continue
			}
			change := Change{Path: event.Name, Op: convertOp(event.Op), Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				w.mu.Lock()
				w.dropped++
				w.mu.Unlock()
				w.logger.Warn("change buffer full, event dropped", slog.String("path", event.Name))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpRemove
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var (
		batch  []Change
		timer  *time.Timer
		timerC <-chan time.Time
	)

	flush := func(runCtx context.Context) {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		changes := dedupe(batch)
		batch = nil
		w.deliver(runCtx, changes)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush(context.WithoutCancel(ctx))
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush(ctx)
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, changes []Change) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			w.logger.Info("batch abandoned", slog.Int("changes", len(changes)), slog.String("reason", err.Error()))
			return
		}
	}
	if err := w.handler(ctx, changes); err != nil {
		w.logger.Error("manifest batch failed", slog.Int("changes", len(changes)), slog.String("error", err.Error()))
	}
}

// dedupe keeps the latest change per path, ordered by first appearance.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.Path]; ok {
			out[i] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
