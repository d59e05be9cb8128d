// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/model"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/projection"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/session"
)

var _ Provider = (*Host)(nil)

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host's logger.
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithModel makes the host publish into an existing model.
func WithModel(m *model.Model) HostOption {
	return func(h *Host) {
		if m != nil {
			h.model = m
		}
	}
}

// WithTracker makes the host use an existing session tracker.
func WithTracker(t *session.Tracker) HostOption {
	return func(h *Host) {
		if t != nil {
			h.tracker = t
		}
	}
}

// Host is the in-process Provider.
//
// Description:
//
//	Host owns the counter model and the session tracker. Publishing a
//	recompiled function marks the block ids the function did not have
//	before; a block id that survives a recompilation is unchanged by
//	construction. ProjectUpdatedBlocks drains the tracker into one engine
//	call.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Host struct {
	model   *model.Model
	tracker *session.Tracker
	engine  *projection.Engine
	logger  *slog.Logger

	// publishMu makes reading the previous block set and publishing atomic.
	publishMu sync.Mutex
}

// NewHost creates a host around engine. A nil engine uses the default
// configuration.
func NewHost(engine *projection.Engine, opts ...HostOption) *Host {
	if engine == nil {
		engine = projection.NewEngine(projection.DefaultConfig())
	}
	h := &Host{
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.model == nil {
		h.model = model.New(model.WithLogger(h.logger))
	}
	if h.tracker == nil {
		h.tracker = session.NewTracker()
	}
	return h
}

// InterfaceVersion implements Provider.
func (h *Host) InterfaceVersion() string { return InterfaceVersion }

// Model returns the host's counter model.
func (h *Host) Model() *model.Model { return h.model }

// Tracker returns the host's session tracker.
func (h *Host) Tracker() *session.Tracker { return h.tracker }

// Publish publishes a recompiled function and marks its new blocks.
//
// Outputs:
//
//	*model.Snapshot - The published snapshot.
//	[]coverage.BasicBlock - The blocks marked updated, in region order.
func (h *Host) Publish(fn coverage.Function, expressions []coverage.CounterExpression, regions []coverage.CounterRegion) (*model.Snapshot, []coverage.BasicBlock) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	previous := make(map[coverage.BasicBlock]struct{})
	if old, err := h.model.Snapshot(fn); err == nil {
		for _, b := range old.BasicBlocks() {
			previous[b] = struct{}{}
		}
	}

	snap := h.model.Publish(fn, expressions, regions)

	var fresh []coverage.BasicBlock
	for _, b := range snap.BasicBlocks() {
		if _, ok := previous[b]; !ok {
			fresh = append(fresh, b)
		}
	}
	if len(fresh) > 0 {
		h.tracker.MarkRecompiled(fn, fresh)
	}

	h.logger.Debug("function recompiled",
		slog.String("function", fn.String()),
		slog.Uint64("generation", snap.Generation()),
		slog.Int("new_blocks", len(fresh)),
	)
	return snap, fresh
}

// Remove drops a function from the model and forgets its pending blocks.
func (h *Host) Remove(fn coverage.Function) bool {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.tracker.ClearFunction(fn)
	return h.model.Remove(fn)
}

// MarkUpdated marks blocks reported by an external change detector.
func (h *Host) MarkUpdated(blocks ...coverage.UpdatedBlock) {
	h.tracker.MarkUpdated(blocks...)
}

// GetExpressionsAndCounterRegions implements Provider.
func (h *Host) GetExpressionsAndCounterRegions(fn coverage.Function) ([]coverage.CounterExpression, []coverage.CounterRegion) {
	return h.model.GetExpressionsAndCounterRegions(fn)
}

// ProjectUpdatedBlocks implements Provider.
//
// Description:
//
//	Drains the tracker and runs one engine call over the drained blocks.
//	If the call is cancelled or rejected, every drained block is requeued
//	for the next session. Ids delivered before the cancellation may be
//	delivered again by that session.
func (h *Host) ProjectUpdatedBlocks(ctx context.Context, lookup coverage.ProjectorLookup, sink coverage.Sink) (*projection.Result, error) {
	blocks := h.tracker.Drain()

	result, err := h.engine.ProjectUpdatedBlocks(ctx, lookup, blocks, sink)
	if err != nil || (result != nil && result.Cancelled) {
		h.tracker.Requeue(blocks)
		h.logger.Info("session interrupted, blocks requeued",
			slog.Int("blocks", len(blocks)),
		)
	}
	return result, err
}
