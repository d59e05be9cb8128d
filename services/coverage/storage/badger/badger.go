// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and maintains the embedded BadgerDB used by the
// consumer block index.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned when a persistent database has no path.
var ErrPathRequired = errors.New("path is required for a persistent database")

// Config holds configuration for an index database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the database in RAM only.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns the on-disk defaults: synced writes and value log
// GC every five minutes at a 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns the configuration used by tests and one-shot CLI
// runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf-style logger into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (a slogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

// options translates cfg into BadgerDB options.
func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return opts, ErrPathRequired
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return opts, fmt.Errorf("create index directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// DB is an opened index database with its GC loop.
type DB struct {
	*badger.DB

	gc        *GCRunner
	closeOnce sync.Once
	closeErr  error
}

// Open opens the database described by cfg and starts value log GC when
// GCInterval is set on a persistent database.
//
// Outputs:
//
//	*DB - The database. Caller must Close it.
//	error - ErrPathRequired or the BadgerDB open error.
//
// Thread Safety: The returned DB is safe for concurrent use.
func Open(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger index: %w", err)
	}

	db := &DB{DB: raw}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := NewGCRunner(raw, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("start index GC: %w", err)
		}
		gc.Start()
		db.gc = gc
	}
	return db, nil
}

// OpenInMemory opens an empty in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gc != nil {
			d.gc.Stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// =============================================================================
// Garbage collection
// =============================================================================

// GCRunner periodically rewrites BadgerDB's value log.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewGCRunner validates its inputs and returns an unstarted runner.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	switch {
	case db == nil:
		return nil, errors.New("db must not be nil")
	case interval <= 0:
		return nil, errors.New("interval must be positive")
	case ratio <= 0 || ratio >= 1:
		return nil, errors.New("discard ratio must be in (0, 1)")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the GC loop. Later calls do nothing.
func (r *GCRunner) Start() {
	r.startOnce.Do(func() { go r.loop() })
}

// Stop ends the GC loop and waits for it. Later calls do nothing, and a
// stopped runner cannot be started again.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		r.startOnce.Do(func() { close(r.done) })
		close(r.stop)
		<-r.done
	})
}

func (r *GCRunner) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

// collect rewrites value log files until BadgerDB reports nothing to do.
func (r *GCRunner) collect() {
	rewrites := 0
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			rewrites++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
			r.logger.Warn("index GC failed", slog.String("error", err.Error()))
		}
		break
	}
	if rewrites > 0 {
		r.logger.Debug("index GC completed", slog.Int("rewrites", rewrites))
	}
}
