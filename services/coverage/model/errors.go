// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"fmt"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

// RegionError reports which region of which function failed to evaluate.
type RegionError struct {
	Function coverage.Function
	Region   int
	Err      error
}

// Error implements error.
func (e *RegionError) Error() string {
	return fmt.Sprintf("%s region %d: %v", e.Function, e.Region, e.Err)
}

// Unwrap returns the evaluation error.
func (e *RegionError) Unwrap() error { return e.Err }
