// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coverage

import (
	"context"
	"iter"
)

// =============================================================================
// Lookup Capabilities
// =============================================================================

// ProjectorLookup resolves the BlockLookup registered by the consumer for a
// function.
//
// Description:
//
//	Returns (nil, false) when the function has no registered projection
//	source. That is not an error: the engine skips the function.
//
// Thread Safety: Implementations must be safe to call repeatedly and
// concurrently for different functions.
type ProjectorLookup interface {
	Lookup(ctx context.Context, fn Function) (BlockLookup, bool)
}

// BlockLookup produces the projection identifiers associated with a block.
//
// Description:
//
//	The returned sequence is finite and lazy. It is consumed at most once.
//	A non-nil error ends processing of that block only. Producers must
//	release their resources when the consumer stops ranging early.
type BlockLookup interface {
	Lookup(ctx context.Context, block BasicBlock) iter.Seq2[ProjectionID, error]
}

// ProjectorLookupFunc adapts a function to ProjectorLookup.
type ProjectorLookupFunc func(ctx context.Context, fn Function) (BlockLookup, bool)

// Lookup calls f.
func (f ProjectorLookupFunc) Lookup(ctx context.Context, fn Function) (BlockLookup, bool) {
	return f(ctx, fn)
}

// BlockLookupFunc adapts a function to BlockLookup.
type BlockLookupFunc func(ctx context.Context, block BasicBlock) iter.Seq2[ProjectionID, error]

// Lookup calls f.
func (f BlockLookupFunc) Lookup(ctx context.Context, block BasicBlock) iter.Seq2[ProjectionID, error] {
	return f(ctx, block)
}

// Projections returns a sequence yielding ids in order with no error.
func Projections(ids ...ProjectionID) iter.Seq2[ProjectionID, error] {
	return func(yield func(ProjectionID, error) bool) {
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// FailedProjections returns a sequence that yields ids and then err.
func FailedProjections(err error, ids ...ProjectionID) iter.Seq2[ProjectionID, error] {
	return func(yield func(ProjectionID, error) bool) {
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
		yield(ProjectionID{}, err)
	}
}

// =============================================================================
// Delivery
// =============================================================================

// SendResult is the typed outcome of delivering one batch.
type SendResult int

const (
	// SendOK means the batch was accepted.
	SendOK SendResult = iota

	// SendClosed means the receiving end is gone. Producers must stop.
	SendClosed

	// SendCancelled means the producer's context ended while waiting for
	// buffer space.
	SendCancelled
)

// String returns "ok", "closed", "cancelled" or "unknown".
func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "ok"
	case SendClosed:
		return "closed"
	case SendCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sink is a one-way delivery channel for batches of projection identifiers.
//
// Description:
//
//	Send may block while the consumer applies backpressure. A closed
//	receiver is reported as SendClosed, never as a panic. The batch slice
//	is owned by the sink after Send returns SendOK.
//
// Thread Safety: Implementations must accept concurrent Send calls.
type Sink interface {
	Send(ctx context.Context, batch []ProjectionID) SendResult
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch []ProjectionID) SendResult

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, batch []ProjectionID) SendResult {
	return f(ctx, batch)
}
