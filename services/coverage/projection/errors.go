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
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

var (
	// ErrNilLookup is returned when no ProjectorLookup is supplied.
	ErrNilLookup = errors.New("projector lookup must not be nil")

	// ErrNilSink is returned when no Sink is supplied.
	ErrNilSink = errors.New("sink must not be nil")
)

// BlockFailure records one block whose lookup sequence failed.
type BlockFailure struct {
	Block coverage.UpdatedBlock
	Err   error
}

// Error implements error.
func (f BlockFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Block, f.Err)
}

// Unwrap returns the underlying error, which wraps coverage.ErrBlockLookupFailed.
func (f BlockFailure) Unwrap() error { return f.Err }

func sortFailures(failures []BlockFailure) {
	slices.SortFunc(failures, func(a, b BlockFailure) int {
		return coverage.CompareUpdatedBlocks(a.Block, b.Block)
	})
}
