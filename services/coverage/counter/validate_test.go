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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		exprs       []coverage.CounterExpression
		numCounters int
		wantErr     error
	}{
		{"empty", nil, 0, nil},
		{"acyclic dag", []coverage.CounterExpression{add(c0, c1), sub(e0, c1), add(e0, e1)}, 2, nil},
		{"counter bound skipped", []coverage.CounterExpression{add(c2, c2)}, -1, nil},
		{"counter out of range", []coverage.CounterExpression{add(c0, c2)}, 2, coverage.ErrOutOfRange},
		{"expression out of range", []coverage.CounterExpression{add(c0, e2)}, 1, coverage.ErrOutOfRange},
		{"self loop", []coverage.CounterExpression{add(e0, c0)}, 1, coverage.ErrCyclicExpression},
		{"long cycle", []coverage.CounterExpression{add(e1, c0), add(e2, c0), add(e0, c0)}, 1, coverage.ErrCyclicExpression},
		{"bad operator", []coverage.CounterExpression{{Kind: 5, LHS: c0, RHS: c0}}, 1, coverage.ErrInvalidCounter},
		{"bad operand", []coverage.CounterExpression{{Kind: coverage.ExprAdd, LHS: coverage.Counter{Kind: 4}, RHS: c0}}, 1, coverage.ErrInvalidCounter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.exprs, tt.numCounters)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_DeepChainDoesNotRecurse(t *testing.T) {
	const n = 100_000
	exprs := make([]coverage.CounterExpression, n)
	exprs[0] = add(c0, c0)
	for i := 1; i < n; i++ {
		exprs[i] = add(coverage.ExpressionCounter(uint32(i-1)), c0)
	}
	assert.NoError(t, Validate(exprs, 1))

	exprs[0] = add(coverage.ExpressionCounter(n-1), c0)
	assert.ErrorIs(t, Validate(exprs, 1), coverage.ErrCyclicExpression)
}

func TestValidateMap(t *testing.T) {
	m := coverage.CoverageMap{
		Expressions: []coverage.CounterExpression{add(c0, c1)},
		Regions: []coverage.CounterRegion{
			{Counter: c0},
			{Counter: e0},
			{Counter: coverage.ZeroCounter()},
		},
	}
	assert.NoError(t, ValidateMap(m, 2))

	m.Regions = append(m.Regions, coverage.CounterRegion{Counter: e1})
	err := ValidateMap(m, 2)
	assert.ErrorIs(t, err, coverage.ErrOutOfRange)
	assert.Contains(t, err.Error(), "region 3")
}
