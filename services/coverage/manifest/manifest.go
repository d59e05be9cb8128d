// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest reads the YAML documents covproj works from.
//
// A coverage document describes functions and their counter maps, with
// optional instrumentation values:
//
//	functions:
//	  - id: 7
//	    name: parse
//	    counters: 2
//	    expressions:
//	      - {op: add, lhs: c0, rhs: c1}
//	    regions:
//	      - {counter: e0, blocks: [1, 2], source: "parse.go:10:1-14:2"}
//	    values: [3, 4]
//
// Counters are written "zero", "cN" (value reference N) or "eN"
// (expression N).
//
// A change manifest lists updated blocks. An index document lists which
// blocks each projection was built from:
//
//	updated:
//	  - {function: 7, block: 1}
//
//	projections:
//	  - {id: 100, function: 7, blocks: [1, 2]}
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/counter"
)

// MaxDocumentSize bounds the files ReadFile accepts.
const MaxDocumentSize = 32 << 20

// ErrInvalidDocument wraps every structural problem in a document.
var ErrInvalidDocument = errors.New("invalid document")

// =============================================================================
// Coverage Documents
// =============================================================================

// CoverageDocument is a set of function coverage maps.
type CoverageDocument struct {
	Functions []FunctionDoc `yaml:"functions"`
}

// FunctionDoc is one function's coverage map.
type FunctionDoc struct {
	ID   uint64 `yaml:"id"`
	Name string `yaml:"name,omitempty"`

	// Counters is the instrumentation buffer length. Zero means
	// len(Values), or unchecked when Values is also empty.
	Counters    int             `yaml:"counters,omitempty"`
	Expressions []ExpressionDoc `yaml:"expressions,omitempty"`
	Regions     []RegionDoc     `yaml:"regions"`
	Values      []uint64        `yaml:"values,omitempty"`
}

// ExpressionDoc is one expression table entry.
type ExpressionDoc struct {
	Op  string `yaml:"op"`
	LHS string `yaml:"lhs"`
	RHS string `yaml:"rhs"`
}

// RegionDoc is one counter region.
type RegionDoc struct {
	Counter string   `yaml:"counter"`
	Blocks  []uint64 `yaml:"blocks"`
	Source  string   `yaml:"source,omitempty"`
}

// ParseCoverage decodes and validates a coverage document.
func ParseCoverage(data []byte) (*CoverageDocument, error) {
	var doc CoverageDocument
	if err := decode(data, &doc); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadCoverage reads a coverage document from path.
func LoadCoverage(path string) (*CoverageDocument, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseCoverage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Validate checks that ids are unique and every map is well-formed.
//
// Description:
//
//	Converts each function to its core coverage map and runs
//	counter.ValidateMap against its counter count, so operand kinds,
//	index ranges and expression cycles are all reported before any
//	evaluation.
//
// Outputs:
//
//	error - Wraps ErrInvalidDocument with the function position, or nil.
func (d *CoverageDocument) Validate() error {
	seen := make(map[uint64]int, len(d.Functions))
	for i, f := range d.Functions {
		if prev, ok := seen[f.ID]; ok {
			return fmt.Errorf("%w: functions[%d]: id %d already used by functions[%d]", ErrInvalidDocument, i, f.ID, prev)
		}
		seen[f.ID] = i

		m, err := f.CoverageMap()
		if err != nil {
			return fmt.Errorf("functions[%d] (id %d): %w", i, f.ID, err)
		}
		if f.Counters < 0 {
			return fmt.Errorf("%w: functions[%d]: negative counters", ErrInvalidDocument, i)
		}
		if f.Counters > 0 && len(f.Values) > 0 && len(f.Values) != f.Counters {
			return fmt.Errorf("%w: functions[%d]: %d values for %d counters", ErrInvalidDocument, i, len(f.Values), f.Counters)
		}
		if err := counter.ValidateMap(m, f.NumCounters()); err != nil {
			return fmt.Errorf("%w: functions[%d] (id %d): %w", ErrInvalidDocument, i, f.ID, err)
		}
	}
	return nil
}

// Function returns the function identifier.
func (f FunctionDoc) Function() coverage.Function { return coverage.NewFunction(f.ID) }

// NumCounters returns the buffer length to validate against, or -1 when
// the document does not say.
func (f FunctionDoc) NumCounters() int {
	switch {
	case f.Counters > 0:
		return f.Counters
	case len(f.Values) > 0:
		return len(f.Values)
	default:
		return -1
	}
}

// HasValues reports whether the document carries instrumentation values.
func (f FunctionDoc) HasValues() bool { return len(f.Values) > 0 }

// CounterValues returns the instrumentation values.
func (f FunctionDoc) CounterValues() counter.Slice { return counter.Slice(f.Values) }

// CoverageMap converts the document to core types.
func (f FunctionDoc) CoverageMap() (coverage.CoverageMap, error) {
	m := coverage.CoverageMap{
		Expressions: make([]coverage.CounterExpression, len(f.Expressions)),
		Regions:     make([]coverage.CounterRegion, len(f.Regions)),
	}
	for i, e := range f.Expressions {
		kind, err := coverage.ParseExprKind(strings.ToLower(strings.TrimSpace(e.Op)))
		if err != nil {
			return coverage.CoverageMap{}, fmt.Errorf("%w: expressions[%d]: %w", ErrInvalidDocument, i, err)
		}
		lhs, err := ParseCounter(e.LHS)
		if err != nil {
			return coverage.CoverageMap{}, fmt.Errorf("%w: expressions[%d].lhs: %w", ErrInvalidDocument, i, err)
		}
		rhs, err := ParseCounter(e.RHS)
		if err != nil {
			return coverage.CoverageMap{}, fmt.Errorf("%w: expressions[%d].rhs: %w", ErrInvalidDocument, i, err)
		}
		m.Expressions[i] = coverage.CounterExpression{Kind: kind, LHS: lhs, RHS: rhs}
	}
	for i, r := range f.Regions {
		c, err := ParseCounter(r.Counter)
		if err != nil {
			return coverage.CoverageMap{}, fmt.Errorf("%w: regions[%d].counter: %w", ErrInvalidDocument, i, err)
		}
		region := coverage.CounterRegion{Counter: c, BasicBlocks: blocks(r.Blocks)}
		if r.Source != "" {
			region.SourceRegion = coverage.SourceRegion(r.Source)
		}
		m.Regions[i] = region
	}
	return m, nil
}

// ParseCounter parses "zero", "cN" or "eN".
func ParseCounter(s string) (coverage.Counter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "zero" || s == "0" {
		return coverage.ZeroCounter(), nil
	}
	if len(s) < 2 {
		return coverage.Counter{}, fmt.Errorf("%w: %q", coverage.ErrInvalidCounter, s)
	}
	id, err := strconv.ParseUint(s[1:], 10, 32)
	if err != nil {
		return coverage.Counter{}, fmt.Errorf("%w: %q", coverage.ErrInvalidCounter, s)
	}
	switch s[0] {
	case 'c':
		return coverage.ValueCounter(uint32(id)), nil
	case 'e':
		return coverage.ExpressionCounter(uint32(id)), nil
	default:
		return coverage.Counter{}, fmt.Errorf("%w: %q", coverage.ErrInvalidCounter, s)
	}
}

// FormatCounter is the inverse of ParseCounter.
func FormatCounter(c coverage.Counter) string {
	return c.Normalize().String()
}

// =============================================================================
// Change Manifests
// =============================================================================

// ChangeManifest lists blocks updated since the previous session.
type ChangeManifest struct {
	Updated []UpdatedDoc `yaml:"updated"`
}

// UpdatedDoc is one updated block.
type UpdatedDoc struct {
	Function uint64 `yaml:"function"`
	Block    uint64 `yaml:"block"`
}

// ParseChanges decodes a change manifest.
func ParseChanges(data []byte) (*ChangeManifest, error) {
	var m ChangeManifest
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadChanges reads a change manifest from path.
func LoadChanges(path string) (*ChangeManifest, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseChanges(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// UpdatedBlocks converts the manifest to core types, in document order.
// Duplicates are kept; the engine tolerates them.
func (m *ChangeManifest) UpdatedBlocks() []coverage.UpdatedBlock {
	out := make([]coverage.UpdatedBlock, len(m.Updated))
	for i, u := range m.Updated {
		out[i] = coverage.UpdatedBlock{
			Function: coverage.NewFunction(u.Function),
			Block:    coverage.NewBasicBlock(u.Block),
		}
	}
	return out
}

// =============================================================================
// Index Documents
// =============================================================================

// IndexDocument lists the blocks each projection was built from.
type IndexDocument struct {
	Projections []ProjectionDoc `yaml:"projections"`
}

// ProjectionDoc records one projection's blocks within one function. A
// projection spanning several functions appears once per function.
type ProjectionDoc struct {
	ID       uint64   `yaml:"id"`
	Function uint64   `yaml:"function"`
	Blocks   []uint64 `yaml:"blocks"`
}

// ParseIndex decodes and validates an index document.
func ParseIndex(data []byte) (*IndexDocument, error) {
	var doc IndexDocument
	if err := decode(data, &doc); err != nil {
		return nil, err
	}
	for i, p := range doc.Projections {
		if len(p.Blocks) == 0 {
			return nil, fmt.Errorf("%w: projections[%d] (id %d): no blocks", ErrInvalidDocument, i, p.ID)
		}
	}
	return &doc, nil
}

// LoadIndex reads an index document from path.
func LoadIndex(path string) (*IndexDocument, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Projection returns the projection identifier.
func (p ProjectionDoc) Projection() coverage.ProjectionID { return coverage.NewProjectionID(p.ID) }

// FunctionID returns the function identifier.
func (p ProjectionDoc) FunctionID() coverage.Function { return coverage.NewFunction(p.Function) }

// BasicBlocks converts the block ids.
func (p ProjectionDoc) BasicBlocks() []coverage.BasicBlock { return blocks(p.Blocks) }

// =============================================================================
// Helpers
// =============================================================================

// ReadFile reads a document, refusing files over MaxDocumentSize.
func ReadFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxDocumentSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrInvalidDocument, path, info.Size(), MaxDocumentSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func decode(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return nil
}

func blocks(ids []uint64) []coverage.BasicBlock {
	out := make([]coverage.BasicBlock, len(ids))
	for i, id := range ids {
		out[i] = coverage.NewBasicBlock(id)
	}
	return out
}
