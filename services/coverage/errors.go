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

import "errors"

// Sentinel errors shared by the coverage packages.
//
// Structural errors (ErrOutOfRange, ErrCyclicExpression, ErrInvalidCounter)
// propagate to the caller of an evaluation. Protocol errors
// (ErrLookupUnavailable, ErrBlockLookupFailed, ErrSinkClosed) are absorbed by
// the projection engine and surface only in its result.
var (
	// ErrUnknownFunction is returned when coverage data is requested for a
	// function that was never instrumented in this session. Most callers
	// treat it as an empty result.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrOutOfRange is returned when a counter references an index past the
	// instrumentation buffer or the expression table.
	ErrOutOfRange = errors.New("counter index out of range")

	// ErrCyclicExpression is returned when an expression table contains a
	// cycle.
	ErrCyclicExpression = errors.New("cyclic counter expression")

	// ErrInvalidCounter is returned for counters or expressions with an
	// undeclared kind.
	ErrInvalidCounter = errors.New("invalid counter")

	// ErrLookupUnavailable marks a function with no registered BlockLookup.
	ErrLookupUnavailable = errors.New("block lookup unavailable")

	// ErrBlockLookupFailed marks a consumer sequence that failed
	// mid-iteration.
	ErrBlockLookupFailed = errors.New("block lookup failed")

	// ErrSinkClosed is reported when the delivery channel rejects a send.
	ErrSinkClosed = errors.New("sink closed")

	// ErrIncompatibleVersion is returned by the binding handshake when the
	// provider's interface version does not satisfy the consumer.
	ErrIncompatibleVersion = errors.New("incompatible interface version")
)
