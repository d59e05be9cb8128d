// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package projection

import (
	"context"
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

// =============================================================================
// ChannelSink
// =============================================================================

// ChannelSink is a bounded many-producer, one-consumer batch channel.
//
// Description:
//
//	Producers call Send, which blocks while the buffer is full. The
//	consumer ranges over C. Either side can end the stream:
//	  - Close is called by the consumer to stop producers. Pending and
//	    future sends report SendClosed.
//	  - CloseSend is called once all producers are done. C is closed after
//	    buffered batches are drained.
//
// Thread Safety: Safe for concurrent use.
type ChannelSink struct {
	ch   chan []coverage.ProjectionID
	done chan struct{}

	closeOnce sync.Once

	// sendMu guards closing ch against in-flight sends.
	sendMu     sync.RWMutex
	sendClosed bool
}

// NewChannelSink creates a sink buffering up to buffer batches. A buffer of
// zero makes every send wait for the consumer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{
		ch:   make(chan []coverage.ProjectionID, buffer),
		done: make(chan struct{}),
	}
}

// Send delivers a batch. The sink takes ownership of batch.
func (s *ChannelSink) Send(ctx context.Context, batch []coverage.ProjectionID) coverage.SendResult {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.sendClosed {
		return coverage.SendClosed
	}
	select {
	case <-s.done:
		return coverage.SendClosed
	default:
	}

	select {
	case s.ch <- batch:
		return coverage.SendOK
	case <-s.done:
		return coverage.SendClosed
	case <-ctx.Done():
		return coverage.SendCancelled
	}
}

// C returns the receive side.
func (s *ChannelSink) C() <-chan []coverage.ProjectionID { return s.ch }

// Close signals that the consumer stopped receiving. Idempotent.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Closed reports whether the consumer closed the sink.
func (s *ChannelSink) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseSend marks the end of production and closes C. Idempotent.
//
// It waits for in-flight sends, so call it only after producers returned
// or after Close.
func (s *ChannelSink) CloseSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	close(s.ch)
}

// =============================================================================
// Collector
// =============================================================================

// Collector is a Sink that keeps every batch in memory.
//
// Limit, when positive, is the number of batches accepted before the
// collector reports SendClosed.
type Collector struct {
	Limit int

	mu      sync.Mutex
	batches [][]coverage.ProjectionID
}

// Send records the batch.
func (c *Collector) Send(_ context.Context, batch []coverage.ProjectionID) coverage.SendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Limit > 0 && len(c.batches) >= c.Limit {
		return coverage.SendClosed
	}
	c.batches = append(c.batches, slices.Clone(batch))
	return coverage.SendOK
}

// Batches returns the accepted batches in arrival order.
func (c *Collector) Batches() [][]coverage.ProjectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.batches)
}

// IDs returns every accepted id sorted ascending.
func (c *Collector) IDs() []coverage.ProjectionID {
	c.mu.Lock()
	var out []coverage.ProjectionID
	for _, b := range c.batches {
		out = append(out, b...)
	}
	c.mu.Unlock()
	slices.SortFunc(out, coverage.ProjectionID.Compare)
	return out
}
