// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model holds the per-function counter model published by the host.
//
// # Snapshots
//
// Each recompilation publishes a new Snapshot for the function. Snapshots
// are immutable once published: Publish copies its inputs, and readers only
// ever receive copies. A query that holds a Snapshot keeps seeing the table
// it started with even while newer generations are published, so it never
// observes a torn table.
//
// # Thread Safety
//
// Model is safe for concurrent use. Snapshot is immutable and may be shared
// freely between goroutines.
package model

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/counter"
)

// Snapshot is an immutable coverage map for one function generation.
type Snapshot struct {
	function   coverage.Function
	generation uint64
	cmap       coverage.CoverageMap
}

// Function returns the function the snapshot belongs to.
func (s *Snapshot) Function() coverage.Function { return s.function }

// Generation returns the model-wide publication sequence number.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Expressions returns a copy of the expression table.
func (s *Snapshot) Expressions() []coverage.CounterExpression {
	return slices.Clone(s.cmap.Expressions)
}

// Regions returns a deep copy of the region list.
func (s *Snapshot) Regions() []coverage.CounterRegion {
	out := make([]coverage.CounterRegion, len(s.cmap.Regions))
	for i, r := range s.cmap.Regions {
		out[i] = r.Clone()
	}
	return out
}

// CoverageMap returns a deep copy of the whole map.
func (s *Snapshot) CoverageMap() coverage.CoverageMap { return s.cmap.Clone() }

// BasicBlocks returns the distinct blocks covered by the snapshot.
func (s *Snapshot) BasicBlocks() []coverage.BasicBlock { return s.cmap.BasicBlocks() }

// Validate checks the expression table and region counters.
//
// numCounters is the instrumentation buffer length, or -1 to skip bounds
// checks on value references.
func (s *Snapshot) Validate(numCounters int) error {
	return counter.ValidateMap(s.cmap, numCounters)
}

// RegionCount is one evaluated region.
type RegionCount struct {
	// Index is the region's position in the function's region list.
	Index int

	// Counter is the region's counter.
	Counter coverage.Counter

	// BasicBlocks are the blocks the region covers.
	BasicBlocks []coverage.BasicBlock

	// SourceRegion is the region's opaque source descriptor.
	SourceRegion coverage.SourceRegion

	// Count is the evaluated hit count.
	Count uint64
}

// Evaluation is the result of evaluating every region of a snapshot.
type Evaluation struct {
	Function    coverage.Function
	Generation  uint64
	Regions     []RegionCount
	Saturations []counter.SaturationEvent
}

// Evaluate evaluates every region in one pass sharing a single memo.
//
// Description:
//
//	Shared sub-expressions and instrumentation reads are resolved once for
//	the whole snapshot. The first structural error aborts the evaluation
//	of this snapshot only.
//
// Inputs:
//
//	ctx - Context for metrics attribution.
//	values - The function's instrumentation values.
//	logger - Logger for saturation reports. Nil uses slog.Default().
//
// Outputs:
//
//	*Evaluation - Per-region counts in region order.
//	error - *counter.EvalError wrapped with the region index.
func (s *Snapshot) Evaluate(ctx context.Context, values counter.Values, logger *slog.Logger) (*Evaluation, error) {
	ev := counter.NewEvaluator(s.cmap.Expressions, values,
		counter.WithLogger(logger),
		counter.WithContext(ctx),
	)

	result := &Evaluation{
		Function:   s.function,
		Generation: s.generation,
		Regions:    make([]RegionCount, 0, len(s.cmap.Regions)),
	}
	for i, r := range s.cmap.Regions {
		v, err := ev.Evaluate(r.Counter)
		if err != nil {
			return nil, &RegionError{Function: s.function, Region: i, Err: err}
		}
		result.Regions = append(result.Regions, RegionCount{
			Index:        i,
			Counter:      r.Counter,
			BasicBlocks:  slices.Clone(r.BasicBlocks),
			SourceRegion: r.SourceRegion.Clone(),
			Count:        v,
		})
	}
	result.Saturations = ev.Saturations()
	return result, nil
}

// =============================================================================
// Model
// =============================================================================

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the model's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Model maps functions to their latest published Snapshot.
type Model struct {
	mu        sync.RWMutex
	snapshots map[coverage.Function]*Snapshot

	generation atomic.Uint64
	logger     *slog.Logger
}

// New creates an empty model.
func New(opts ...Option) *Model {
	m := &Model{
		snapshots: make(map[coverage.Function]*Snapshot),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish replaces the function's coverage map with a new snapshot.
//
// Description:
//
//	Copies expressions and regions into a fresh Snapshot and swaps it in.
//	The previous snapshot is left untouched for readers still holding it.
//	Publish does not validate the table; malformed tables are rejected at
//	evaluation time.
//
// Inputs:
//
//	fn - The recompiled function.
//	expressions - The new expression table.
//	regions - The new region list.
//
// Outputs:
//
//	*Snapshot - The published snapshot.
//
// Thread Safety: Safe for concurrent use.
func (m *Model) Publish(fn coverage.Function, expressions []coverage.CounterExpression, regions []coverage.CounterRegion) *Snapshot {
	snap := &Snapshot{
		function: fn,
		cmap:     coverage.CoverageMap{Expressions: expressions, Regions: regions}.Clone(),
	}

	// The stored snapshot holds the newest generation published for fn.
	m.mu.Lock()
	snap.generation = m.generation.Add(1)
	m.snapshots[fn] = snap
	m.mu.Unlock()

	m.logger.Debug("coverage map published",
		slog.String("function", fn.String()),
		slog.Uint64("generation", snap.generation),
		slog.Int("expressions", len(snap.cmap.Expressions)),
		slog.Int("regions", len(snap.cmap.Regions)),
	)
	return snap
}

// Remove drops the function's coverage map. It reports whether one existed.
func (m *Model) Remove(fn coverage.Function) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[fn]
	delete(m.snapshots, fn)
	return ok
}

// Snapshot returns the function's current snapshot.
//
// Returns coverage.ErrUnknownFunction if nothing was published for fn.
func (m *Model) Snapshot(fn coverage.Function) (*Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.snapshots[fn]
	m.mu.RUnlock()
	if !ok {
		return nil, coverage.ErrUnknownFunction
	}
	return snap, nil
}

// GetExpressionsAndCounterRegions returns copies of the function's
// expression table and region list.
//
// An unknown function yields two empty slices: no coverage data yet is a
// normal state for a function that has not been reached.
func (m *Model) GetExpressionsAndCounterRegions(fn coverage.Function) ([]coverage.CounterExpression, []coverage.CounterRegion) {
	snap, err := m.Snapshot(fn)
	if err != nil {
		return []coverage.CounterExpression{}, []coverage.CounterRegion{}
	}
	return snap.Expressions(), snap.Regions()
}

// Functions returns every function with a published map, sorted by id.
func (m *Model) Functions() []coverage.Function {
	m.mu.RLock()
	out := make([]coverage.Function, 0, len(m.snapshots))
	for fn := range m.snapshots {
		out = append(out, fn)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, coverage.Function.Compare)
	return out
}

// Len returns the number of functions with a published map.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

// EvaluateFunction evaluates the function's current snapshot.
//
// An unknown function yields an empty Evaluation and no error.
func (m *Model) EvaluateFunction(ctx context.Context, fn coverage.Function, values counter.Values) (*Evaluation, error) {
	snap, err := m.Snapshot(fn)
	if err != nil {
		return &Evaluation{Function: fn, Regions: []RegionCount{}}, nil
	}
	return snap.Evaluate(ctx, values, m.logger)
}

// EvaluateAll evaluates several functions, isolating failures.
//
// Description:
//
//	A malformed table fails only its own function. Failures are returned
//	in the errs map keyed by function; successful evaluations are returned
//	sorted by function id.
//
// Inputs:
//
//	ctx - Checked between functions for cancellation.
//	values - Instrumentation values per function.
//
// Outputs:
//
//	[]*Evaluation - Successful evaluations.
//	map[coverage.Function]error - Per-function failures.
//	error - ctx.Err() if cancelled part way.
func (m *Model) EvaluateAll(ctx context.Context, values map[coverage.Function]counter.Values) ([]*Evaluation, map[coverage.Function]error, error) {
	fns := make([]coverage.Function, 0, len(values))
	for fn := range values {
		fns = append(fns, fn)
	}
	slices.SortFunc(fns, coverage.Function.Compare)

	var out []*Evaluation
	errs := make(map[coverage.Function]error)
	for _, fn := range fns {
		if err := ctx.Err(); err != nil {
			return out, errs, err
		}
		ev, err := m.EvaluateFunction(ctx, fn, values[fn])
		if err != nil {
			m.logger.Warn("coverage evaluation failed",
				slog.String("function", fn.String()),
				slog.String("error", err.Error()),
			)
			errs[fn] = err
			continue
		}
		out = append(out, ev)
	}
	return out, errs, nil
}
