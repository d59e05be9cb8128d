// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session tracks basic blocks updated since the previous
// projection session.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

// Source says how a block came to be marked updated.
type Source string

const (
	// SourceRecompile marks blocks introduced by a recompilation.
	SourceRecompile Source = "recompile"

	// SourceManual marks blocks reported by an external change detector.
	SourceManual Source = "manual"

	// SourceWatcher marks blocks read from a watched change manifest.
	SourceWatcher Source = "watcher"

	// SourceRequeue marks blocks returned after an interrupted session.
	SourceRequeue Source = "requeue"
)

// Entry contains metadata about an updated block.
type Entry struct {
	// Block is the updated (function, block) pair.
	Block coverage.UpdatedBlock

	// MarkedAt is when the block was last marked.
	MarkedAt time.Time

	// Source indicates how the block became updated.
	Source Source
}

// Tracker tracks blocks updated since the last drained session.
//
// Description:
//
//	Collects (function, block) pairs from recompilations and external
//	change detectors. A projection session drains the tracker and, if it
//	is interrupted, requeues what it drained.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	pending map[coverage.UpdatedBlock]Entry
	enabled bool
}

// NewTracker creates an empty, enabled tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[coverage.UpdatedBlock]Entry),
		enabled: true,
	}
}

// MarkUpdated marks blocks reported by an external change detector.
func (t *Tracker) MarkUpdated(blocks ...coverage.UpdatedBlock) {
	t.MarkUpdatedWithSource(SourceManual, blocks...)
}

// MarkUpdatedWithSource marks blocks with an explicit source.
//
// Marking an already pending block refreshes its timestamp and source.
// Does nothing while the tracker is disabled.
func (t *Tracker) MarkUpdatedWithSource(source Source, blocks ...coverage.UpdatedBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return
	}

	now := time.Now()
	for _, b := range blocks {
		t.pending[b] = Entry{Block: b, MarkedAt: now, Source: source}
	}
}

// MarkRecompiled marks a recompiled function's new blocks.
func (t *Tracker) MarkRecompiled(fn coverage.Function, blocks []coverage.BasicBlock) {
	pairs := make([]coverage.UpdatedBlock, len(blocks))
	for i, b := range blocks {
		pairs[i] = coverage.UpdatedBlock{Function: fn, Block: b}
	}
	t.MarkUpdatedWithSource(SourceRecompile, pairs...)
}

// HasPending returns true if any block is pending.
func (t *Tracker) HasPending() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending) > 0
}

// Pending returns the number of pending blocks.
func (t *Tracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Blocks returns the pending blocks sorted by function then block, without
// clearing them.
func (t *Tracker) Blocks() []coverage.UpdatedBlock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked()
}

// Entries returns the pending entries sorted by block, without clearing them.
func (t *Tracker) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, len(t.pending))
	for _, e := range t.pending {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return coverage.CompareUpdatedBlocks(a.Block, b.Block)
	})
	return entries
}

// Drain returns the pending blocks sorted by function then block and
// clears them.
func (t *Tracker) Drain() []coverage.UpdatedBlock {
	t.mu.Lock()
	defer t.mu.Unlock()

	blocks := t.sortedLocked()
	t.pending = make(map[coverage.UpdatedBlock]Entry)
	return blocks
}

// Requeue returns drained blocks to the tracker.
//
// Blocks marked again since the drain keep their newer entry. Requeue
// ignores the enabled flag: the blocks were accepted before.
func (t *Tracker) Requeue(blocks []coverage.UpdatedBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, b := range blocks {
		if _, exists := t.pending[b]; exists {
			continue
		}
		t.pending[b] = Entry{Block: b, MarkedAt: now, Source: SourceRequeue}
	}
}

// Clear removes specific blocks. Returns how many were pending.
func (t *Tracker) Clear(blocks []coverage.UpdatedBlock) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := 0
	for _, b := range blocks {
		if _, exists := t.pending[b]; exists {
			delete(t.pending, b)
			cleared++
		}
	}
	return cleared
}

// ClearFunction removes every pending block of fn. Returns how many were
// removed.
func (t *Tracker) ClearFunction(fn coverage.Function) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := 0
	for b := range t.pending {
		if b.Function == fn {
			delete(t.pending, b)
			cleared++
		}
	}
	return cleared
}

// ClearAll removes every pending block. Returns how many were removed.
func (t *Tracker) ClearAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := len(t.pending)
	t.pending = make(map[coverage.UpdatedBlock]Entry)
	return count
}

// Enable resumes tracking.
func (t *Tracker) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
}

// Disable stops accepting new marks. Pending blocks are kept.
func (t *Tracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// IsEnabled returns whether marks are accepted.
func (t *Tracker) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *Tracker) sortedLocked() []coverage.UpdatedBlock {
	blocks := make([]coverage.UpdatedBlock, 0, len(t.pending))
	for b := range t.pending {
		blocks = append(blocks, b)
	}
	slices.SortFunc(blocks, coverage.CompareUpdatedBlocks)
	return blocks
}
