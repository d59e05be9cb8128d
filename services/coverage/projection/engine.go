// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package projection turns updated basic blocks into downstream projection
// ids.
//
// # Protocol
//
// For one call, every updated (function, block) pair is looked up through
// the consumer's capabilities and every produced id is forwarded to the
// sink at most once. Duplicate ids, within a block or across blocks and
// functions, are suppressed by a per-call set guarded by a mutex.
//
// Lookups run on a bounded worker pool. Each worker batches its own output
// and flushes at the end of every block; ids from one block reach the sink
// in the order the consumer produced them.
// No ordering holds between different blocks.
//
// # Cancellation
//
// The sink's receiving side closing is the cancellation signal. After the
// first failed send no further block lookup starts, and the block currently
// being consumed is abandoned, which releases its iterator. Each other
// worker may have at most one lookup in flight when the send fails.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/telemetry"
)

// Config controls the engine's parallelism and batching.
type Config struct {
	// Workers is the number of concurrent block lookups. Zero or less uses
	// min(GOMAXPROCS, 8).
	Workers int

	// BatchSize is the largest number of ids sent in one batch. Batches
	// hold ids of a single block. Zero or less uses 64.
	BatchSize int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   min(runtime.GOMAXPROCS(0), 8),
		BatchSize: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Result summarizes one projection call.
type Result struct {
	// RequestID identifies the call in logs and spans.
	RequestID string

	// Functions is the number of distinct functions in the updated set.
	Functions int

	// FunctionsSkipped counts functions without a registered BlockLookup.
	FunctionsSkipped int

	// BlocksProcessed counts blocks whose lookup was started.
	BlocksProcessed int

	// BlocksFailed counts blocks whose sequence reported an error.
	BlocksFailed int

	// Delivered counts ids accepted by the sink.
	Delivered int

	// Suppressed counts ids dropped as already seen in this call.
	Suppressed int

	// Batches counts batches accepted by the sink.
	Batches int

	// Failures lists failed blocks, sorted by function then block.
	Failures []BlockFailure

	// Cancelled is set when the sink closed or the context ended before
	// every block was processed.
	Cancelled bool

	// Duration is the wall time of the call.
	Duration time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine runs projection calls. It holds no per-call state and is safe for
// concurrent use; each call gets its own dedup set.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ProjectUpdatedBlocks projects updated blocks onto projection ids.
//
// Description:
//
//	Groups updated by function in first-appearance order, collapsing
//	repeated pairs. Functions without a BlockLookup are skipped. Each
//	remaining block is looked up on the worker pool and the produced ids
//	are deduplicated and streamed to sink in batches.
//
// Inputs:
//
//	ctx - Context for cancellation. Also passed to every capability call.
//	lookup - Resolves a function to its BlockLookup. Borrowed for the call.
//	updated - The (function, block) pairs that changed.
//	sink - Receives batches of ids. Borrowed for the call.
//
// Outputs:
//
//	*Result - Call summary. Non-nil whenever error is nil or ctx ended.
//	error - ErrNilLookup or ErrNilSink for missing capabilities, or
//	        ctx.Err() if the context ended. A closed sink is not an error;
//	        it sets Result.Cancelled.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) ProjectUpdatedBlocks(
	ctx context.Context,
	lookup coverage.ProjectorLookup,
	updated []coverage.UpdatedBlock,
	sink coverage.Sink,
) (*Result, error) {
	if lookup == nil {
		return nil, ErrNilLookup
	}
	if sink == nil {
		return nil, ErrNilSink
	}

	start := time.Now()
	requestID := uuid.NewString()
	ctx, span := startProjectionSpan(ctx, requestID, len(updated), e.cfg.Workers)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, e.logger).With(slog.String("request_id", requestID))
	result := &Result{RequestID: requestID}

	groups := groupByFunction(updated)
	result.Functions = len(groups)

	var tasks []task
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			result.Cancelled = true
			return e.finish(ctx, span, logger, result, start, err)
		}
		bl, ok := lookup.Lookup(ctx, g.fn)
		if !ok || bl == nil {
			result.FunctionsSkipped++
			logger.Debug("function skipped",
				slog.String("function", g.fn.String()),
				slog.Int("blocks", len(g.blocks)),
				slog.String("reason", coverage.ErrLookupUnavailable.Error()),
			)
			continue
		}
		for _, b := range g.blocks {
			tasks = append(tasks, task{block: coverage.UpdatedBlock{Function: g.fn, Block: b}, lookup: bl})
		}
	}

	r := newRun(ctx, sink, e.cfg.BatchSize, logger)
	r.execute(tasks, e.cfg.Workers)
	r.fill(result)

	var err error
	if ctxErr := ctx.Err(); ctxErr != nil && result.Cancelled {
		err = ctxErr
	}
	return e.finish(ctx, span, logger, result, start, err)
}

func (e *Engine) finish(ctx context.Context, span trace.Span, logger *slog.Logger, result *Result, start time.Time, err error) (*Result, error) {
	result.Duration = time.Since(start)

	setProjectionSpanResult(span, result)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	recordProjectionMetrics(context.WithoutCancel(ctx), result)

	logger.Info("projection finished",
		slog.Int("functions", result.Functions),
		slog.Int("functions_skipped", result.FunctionsSkipped),
		slog.Int("blocks_processed", result.BlocksProcessed),
		slog.Int("blocks_failed", result.BlocksFailed),
		slog.Int("delivered", result.Delivered),
		slog.Int("suppressed", result.Suppressed),
		slog.Bool("cancelled", result.Cancelled),
		slog.Duration("duration", result.Duration),
	)
	return result, err
}

// ProjectUpdatedBlocks runs a projection with DefaultConfig.
func ProjectUpdatedBlocks(
	ctx context.Context,
	lookup coverage.ProjectorLookup,
	updated []coverage.UpdatedBlock,
	sink coverage.Sink,
) (*Result, error) {
	return NewEngine(DefaultConfig()).ProjectUpdatedBlocks(ctx, lookup, updated, sink)
}

// =============================================================================
// Grouping
// =============================================================================

type functionGroup struct {
	fn     coverage.Function
	blocks []coverage.BasicBlock
}

// groupByFunction groups pairs by function in first-appearance order and
// drops repeated pairs.
func groupByFunction(updated []coverage.UpdatedBlock) []functionGroup {
	index := make(map[coverage.Function]int)
	seen := make(map[coverage.UpdatedBlock]struct{}, len(updated))
	var groups []functionGroup

	for _, u := range updated {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}

		i, ok := index[u.Function]
		if !ok {
			i = len(groups)
			index[u.Function] = i
			groups = append(groups, functionGroup{fn: u.Function})
		}
		groups[i].blocks = append(groups[i].blocks, u.Block)
	}
	return groups
}

// =============================================================================
// Run
// =============================================================================

type task struct {
	block  coverage.UpdatedBlock
	lookup coverage.BlockLookup
}

// run holds the state shared by the workers of one call.
type run struct {
	ctx       context.Context
	sink      coverage.Sink
	batchSize int
	logger    *slog.Logger

	mu   sync.Mutex
	seen map[coverage.ProjectionID]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	halted   atomic.Bool

	// interrupted is set when any block or id was abandoned.
	interrupted atomic.Bool

	processed  atomic.Int64
	failed     atomic.Int64
	delivered  atomic.Int64
	suppressed atomic.Int64
	batches    atomic.Int64

	failMu   sync.Mutex
	failures []BlockFailure
}

func newRun(ctx context.Context, sink coverage.Sink, batchSize int, logger *slog.Logger) *run {
	return &run{
		ctx:       ctx,
		sink:      sink,
		batchSize: batchSize,
		logger:    logger,
		seen:      make(map[coverage.ProjectionID]struct{}),
		stop:      make(chan struct{}),
	}
}

// execute feeds tasks to a bounded pool of workers and waits for them.
func (r *run) execute(tasks []task, workers int) {
	if len(tasks) == 0 {
		return
	}

	release := context.AfterFunc(r.ctx, r.halt)
	defer release()

	feed := make(chan task)
	var g errgroup.Group

	g.Go(func() error {
		defer close(feed)
		for _, t := range tasks {
			select {
			case feed <- t:
			case <-r.stop:
				r.interrupted.Store(true)
				return nil
			}
		}
		return nil
	})

	for range min(workers, len(tasks)) {
		g.Go(func() error {
			w := &worker{run: r, batch: make([]coverage.ProjectionID, 0, r.batchSize)}
			for t := range feed {
				w.process(t)
			}
			w.flush()
			return nil
		})
	}

	// Workers never return errors; Wait only joins them.
	_ = g.Wait()
}

// halt stops the producer and prevents new lookups. Safe to call repeatedly.
func (r *run) halt() {
	r.stopOnce.Do(func() {
		r.halted.Store(true)
		close(r.stop)
	})
}

// testAndSet inserts id into the dedup set and reports whether it was new.
func (r *run) testAndSet(id coverage.ProjectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}

func (r *run) recordFailure(block coverage.UpdatedBlock, err error) {
	r.failed.Add(1)
	r.failMu.Lock()
	r.failures = append(r.failures, BlockFailure{Block: block, Err: err})
	r.failMu.Unlock()

	r.logger.Warn("block lookup failed",
		slog.String("function", block.Function.String()),
		slog.String("block", block.Block.String()),
		slog.String("error", err.Error()),
	)
}

func (r *run) fill(result *Result) {
	result.BlocksProcessed = int(r.processed.Load())
	result.BlocksFailed = int(r.failed.Load())
	result.Delivered = int(r.delivered.Load())
	result.Suppressed = int(r.suppressed.Load())
	result.Batches = int(r.batches.Load())
	result.Cancelled = r.interrupted.Load()

	r.failMu.Lock()
	result.Failures = append([]BlockFailure(nil), r.failures...)
	r.failMu.Unlock()
	sortFailures(result.Failures)
}

// =============================================================================
// Worker
// =============================================================================

type worker struct {
	run   *run
	batch []coverage.ProjectionID
}

func (w *worker) process(t task) {
	r := w.run
	if r.halted.Load() {
		r.interrupted.Store(true)
		return
	}
	r.processed.Add(1)

	if err := w.consume(t); err != nil {
		r.recordFailure(t.block, err)
	}
	// A batch never spans blocks, so a rejected send halts the run before
	// this worker takes its next task.
	w.flush()
}

// consume drains one block's sequence. Returning early from the range
// releases the consumer's iterator.
func (w *worker) consume(t task) (err error) {
	r := w.run
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", coverage.ErrBlockLookupFailed, rec)
		}
	}()

	seq := t.lookup.Lookup(r.ctx, t.block.Block)
	if seq == nil {
		return nil
	}
	// Another worker's send may have failed while the lookup was created.
	if r.halted.Load() {
		r.interrupted.Store(true)
		return nil
	}

	for id, iterErr := range seq {
		if iterErr != nil {
			if errors.Is(iterErr, coverage.ErrBlockLookupFailed) {
				return iterErr
			}
			return fmt.Errorf("%w: %w", coverage.ErrBlockLookupFailed, iterErr)
		}
		if r.halted.Load() {
			r.interrupted.Store(true)
			return nil
		}
		if !r.testAndSet(id) {
			r.suppressed.Add(1)
			continue
		}
		w.batch = append(w.batch, id)
		if len(w.batch) >= r.batchSize && !w.flush() {
			return nil
		}
	}
	return nil
}

// flush sends the pending batch. It reports false once the run is halted.
func (w *worker) flush() bool {
	r := w.run
	if len(w.batch) == 0 {
		return !r.halted.Load()
	}
	if r.halted.Load() {
		w.batch = w.batch[:0]
		r.interrupted.Store(true)
		return false
	}

	batch := w.batch
	w.batch = make([]coverage.ProjectionID, 0, r.batchSize)

	switch r.sink.Send(r.ctx, batch) {
	case coverage.SendOK:
		r.delivered.Add(int64(len(batch)))
		r.batches.Add(1)
		return true
	case coverage.SendClosed:
		r.logger.Debug("sink closed, stopping projection",
			slog.String("reason", coverage.ErrSinkClosed.Error()),
			slog.Int("dropped", len(batch)),
		)
	default:
		r.logger.Debug("send cancelled, stopping projection",
			slog.Int("dropped", len(batch)),
		)
	}
	r.interrupted.Store(true)
	r.halt()
	return false
}
