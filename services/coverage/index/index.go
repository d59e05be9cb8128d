// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index is the consumer side of projection: a persistent map from
// (function, block) to the projection ids whose coverage touched it.
//
// A test runner records, for each test, the blocks it executed. On the next
// session the Index serves as the coverage.ProjectorLookup, so updated
// blocks resolve to the tests that need to run again.
//
// Two backends implement Store: BadgerStore for an embedded key-value
// store and SQLiteStore for a single-file SQL database.
package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

var (
	// ErrUnknownBackend is returned for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown index backend")

	// ErrClosed is returned by a store used after Close.
	ErrClosed = errors.New("index store is closed")
)

// Store persists block to projection associations.
//
// Implementations must be safe for concurrent use. Sequences returned by
// Projections hold backend resources until the range loop ends, including
// when it ends early.
type Store interface {
	// Record associates projection with every block of fn. Idempotent.
	Record(ctx context.Context, projection coverage.ProjectionID, fn coverage.Function, blocks []coverage.BasicBlock) error

	// Forget removes every association of projection.
	Forget(ctx context.Context, projection coverage.ProjectionID) error

	// Projections lazily yields the projections recorded for a block, in
	// ascending id order.
	Projections(ctx context.Context, fn coverage.Function, block coverage.BasicBlock) iter.Seq2[coverage.ProjectionID, error]

	// HasFunction reports whether any association exists for fn.
	HasFunction(ctx context.Context, fn coverage.Function) (bool, error)

	// Close releases the store.
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	// BackendBadger selects BadgerStore.
	BackendBadger Backend = "badger"

	// BackendSQLite selects SQLiteStore.
	BackendSQLite Backend = "sqlite"
)

// ParseBackend parses a backend name, case-insensitively. Empty means
// badger.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendBadger, "":
		return BackendBadger, nil
	case BackendSQLite:
		return BackendSQLite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// Options selects and configures a backend.
type Options struct {
	Backend Backend

	// Path is a directory for badger and a file for sqlite.
	Path string

	// InMemory discards the index on Close.
	InMemory bool

	// GCInterval is the badger value log GC period.
	GCInterval time.Duration

	Logger *slog.Logger
}

// OpenStore opens the backend described by opts.
func OpenStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendBadger, "":
		return OpenBadgerStore(opts)
	case BackendSQLite:
		return OpenSQLiteStore(ctx, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
}

// =============================================================================
// Index
// =============================================================================

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithLogger sets the index logger.
func WithLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// Index adapts a Store to coverage.ProjectorLookup.
type Index struct {
	store  Store
	logger *slog.Logger
}

var _ coverage.ProjectorLookup = (*Index)(nil)

// New wraps store. The Index does not own the store.
func New(store Store, opts ...IndexOption) *Index {
	i := &Index{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Store returns the underlying store.
func (i *Index) Store() Store { return i.store }

// Lookup implements coverage.ProjectorLookup.
//
// A function with no recorded projections has no BlockLookup. A store
// error is logged and also reported as absence: projection is advisory and
// the remaining functions should still be served.
func (i *Index) Lookup(ctx context.Context, fn coverage.Function) (coverage.BlockLookup, bool) {
	ok, err := i.store.HasFunction(ctx, fn)
	if err != nil {
		i.logger.Warn("index lookup failed",
			slog.String("function", fn.String()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return blockLookup{store: i.store, fn: fn}, true
}

type blockLookup struct {
	store Store
	fn    coverage.Function
}

func (b blockLookup) Lookup(ctx context.Context, block coverage.BasicBlock) iter.Seq2[coverage.ProjectionID, error] {
	return b.store.Projections(ctx, b.fn, block)
}
