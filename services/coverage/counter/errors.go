// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package counter

import (
	"fmt"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

// EvalError describes a structural failure while resolving a counter.
//
// Err is one of coverage.ErrOutOfRange, coverage.ErrCyclicExpression or
// coverage.ErrInvalidCounter, so callers can match with errors.Is.
type EvalError struct {
	// Counter is the counter whose resolution failed.
	Counter coverage.Counter

	// Limit is the size of the table the index was checked against.
	// Zero when not applicable.
	Limit int

	// Err is the underlying sentinel.
	Err error
}

// Error implements error.
func (e *EvalError) Error() string {
	if e.Limit > 0 || e.Err == coverage.ErrOutOfRange {
		return fmt.Sprintf("evaluate %s: %v (limit %d)", e.Counter, e.Err, e.Limit)
	}
	return fmt.Sprintf("evaluate %s: %v", e.Counter, e.Err)
}

// Unwrap returns the sentinel.
func (e *EvalError) Unwrap() error { return e.Err }
