// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/counter"
)

const sampleCoverage = `
functions:
  - id: 7
    name: parse
    counters: 2
    expressions:
      - {op: add, lhs: c0, rhs: c1}
      - {op: subtract, lhs: e0, rhs: c1}
    regions:
      - {counter: e0, blocks: [1, 2], source: "parse.go:10:1-14:2"}
      - {counter: e1, blocks: [3]}
      - {counter: zero, blocks: [4]}
    values: [3, 4]
  - id: 8
    regions:
      - {counter: c5, blocks: [1]}
`

func TestParseCoverage(t *testing.T) {
	doc, err := ParseCoverage([]byte(sampleCoverage))
	require.NoError(t, err)
	require.Len(t, doc.Functions, 2)

	f := doc.Functions[0]
	assert.Equal(t, coverage.NewFunction(7), f.Function())
	assert.Equal(t, 2, f.NumCounters())
	assert.True(t, f.HasValues())

	m, err := f.CoverageMap()
	require.NoError(t, err)
	assert.Equal(t, []coverage.CounterExpression{
		{Kind: coverage.ExprAdd, LHS: coverage.ValueCounter(0), RHS: coverage.ValueCounter(1)},
		{Kind: coverage.ExprSubtract, LHS: coverage.ExpressionCounter(0), RHS: coverage.ValueCounter(1)},
	}, m.Expressions)
	require.Len(t, m.Regions, 3)
	assert.Equal(t, []coverage.BasicBlock{coverage.NewBasicBlock(1), coverage.NewBasicBlock(2)}, m.Regions[0].BasicBlocks)
	assert.Equal(t, "parse.go:10:1-14:2", string(m.Regions[0].SourceRegion))
	assert.Nil(t, m.Regions[1].SourceRegion)

	got, err := counter.Evaluate(m.Expressions, m.Regions[1].Counter, f.CounterValues())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got, "(3 + 4) - 4")

	assert.Equal(t, -1, doc.Functions[1].NumCounters(), "no counter count and no values")
}

func TestParseCoverage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "functions: [ {id: 1"},
		{"duplicate id", "functions:\n  - {id: 1, regions: []}\n  - {id: 1, regions: []}\n"},
		{"bad op", "functions:\n  - id: 1\n    expressions: [{op: mul, lhs: c0, rhs: c0}]\n    regions: []\n"},
		{"bad counter", "functions:\n  - id: 1\n    regions: [{counter: x3, blocks: [1]}]\n"},
		{"cycle", "functions:\n  - id: 1\n    expressions: [{op: add, lhs: e0, rhs: c0}]\n    regions: []\n"},
		{"value out of range", "functions:\n  - id: 1\n    values: [1]\n    regions: [{counter: c1, blocks: [1]}]\n"},
		{"expression out of range", "functions:\n  - id: 1\n    regions: [{counter: e0, blocks: [1]}]\n"},
		{"value count mismatch", "functions:\n  - id: 1\n    counters: 2\n    values: [1]\n    regions: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCoverage([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestParseCounter(t *testing.T) {
	tests := []struct {
		in   string
		want coverage.Counter
	}{
		{"zero", coverage.ZeroCounter()},
		{" C3 ", coverage.ValueCounter(3)},
		{"e12", coverage.ExpressionCounter(12)},
	}
	for _, tt := range tests {
		got, err := ParseCounter(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		again, err := ParseCounter(FormatCounter(got))
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}

	for _, bad := range []string{"", "c", "x1", "c-1", "e99999999999"} {
		_, err := ParseCounter(bad)
		assert.ErrorIs(t, err, coverage.ErrInvalidCounter, bad)
	}
}

func TestParseChanges(t *testing.T) {
	m, err := ParseChanges([]byte("updated:\n  - {function: 7, block: 2}\n  - {function: 7, block: 2}\n  - {function: 8, block: 1}\n"))
	require.NoError(t, err)

	assert.Equal(t, []coverage.UpdatedBlock{
		{Function: coverage.NewFunction(7), Block: coverage.NewBasicBlock(2)},
		{Function: coverage.NewFunction(7), Block: coverage.NewBasicBlock(2)},
		{Function: coverage.NewFunction(8), Block: coverage.NewBasicBlock(1)},
	}, m.UpdatedBlocks())

	_, err = ParseChanges([]byte("updated: {"))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestParseIndex(t *testing.T) {
	doc, err := ParseIndex([]byte("projections:\n  - {id: 100, function: 7, blocks: [1, 2]}\n"))
	require.NoError(t, err)
	require.Len(t, doc.Projections, 1)

	p := doc.Projections[0]
	assert.Equal(t, coverage.NewProjectionID(100), p.Projection())
	assert.Equal(t, coverage.NewFunction(7), p.FunctionID())
	assert.Equal(t, []coverage.BasicBlock{coverage.NewBasicBlock(1), coverage.NewBasicBlock(2)}, p.BasicBlocks())

	_, err = ParseIndex([]byte("projections:\n  - {id: 1, function: 7}\n"))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	covPath := filepath.Join(dir, "coverage.yaml")
	changesPath := filepath.Join(dir, "changes.yaml")
	require.NoError(t, os.WriteFile(covPath, []byte(sampleCoverage), 0o600))
	require.NoError(t, os.WriteFile(changesPath, []byte("updated: [{function: 7, block: 1}]\n"), 0o600))

	doc, err := LoadCoverage(covPath)
	require.NoError(t, err)
	assert.Len(t, doc.Functions, 2)

	changes, err := LoadChanges(changesPath)
	require.NoError(t, err)
	assert.Len(t, changes.Updated, 1)

	_, err = LoadIndex(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
