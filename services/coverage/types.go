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
	"fmt"
	"slices"
)

// =============================================================================
// Counters
// =============================================================================

// CounterKind tags the variant of a Counter.
type CounterKind uint8

const (
	// CounterKindZero is the constant 0. The counter id is ignored.
	CounterKindZero CounterKind = iota

	// CounterKindValueReference refers to a live instrumentation counter.
	// The id matches the index passed to the runtime increment call.
	CounterKindValueReference

	// CounterKindExpression refers to an entry of the function's
	// expression table.
	CounterKindExpression
)

// String returns "zero", "counter", "expression" or "unknown".
func (k CounterKind) String() string {
	switch k {
	case CounterKindZero:
		return "zero"
	case CounterKindValueReference:
		return "counter"
	case CounterKindExpression:
		return "expression"
	default:
		return "unknown"
	}
}

// IsValid reports whether k is one of the declared kinds.
func (k CounterKind) IsValid() bool {
	return k <= CounterKindExpression
}

// ParseCounterKind parses the names produced by CounterKind.String.
func ParseCounterKind(s string) (CounterKind, error) {
	switch s {
	case "zero":
		return CounterKindZero, nil
	case "counter", "value", "counter_value_reference":
		return CounterKindValueReference, nil
	case "expression", "expr":
		return CounterKindExpression, nil
	default:
		return 0, fmt.Errorf("%w: counter kind %q", ErrInvalidCounter, s)
	}
}

// Counter is a tagged reference to a value contributing to coverage.
//
// The interpretation of ID depends on Kind:
//   - CounterKindZero: ID is meaningless and treated as 0.
//   - CounterKindValueReference: index into the instrumentation values.
//   - CounterKindExpression: index into the expression table.
type Counter struct {
	Kind CounterKind
	ID   uint32
}

// ZeroCounter returns the constant zero counter.
func ZeroCounter() Counter { return Counter{Kind: CounterKindZero} }

// ValueCounter returns a reference to instrumentation counter id.
func ValueCounter(id uint32) Counter {
	return Counter{Kind: CounterKindValueReference, ID: id}
}

// ExpressionCounter returns a reference to expression table entry id.
func ExpressionCounter(id uint32) Counter {
	return Counter{Kind: CounterKindExpression, ID: id}
}

// Normalize returns c with ID forced to 0 for zero counters.
func (c Counter) Normalize() Counter {
	if c.Kind == CounterKindZero {
		return Counter{Kind: CounterKindZero}
	}
	return c
}

// String returns "zero", "c<id>" or "e<id>".
func (c Counter) String() string {
	switch c.Kind {
	case CounterKindZero:
		return "zero"
	case CounterKindValueReference:
		return fmt.Sprintf("c%d", c.ID)
	case CounterKindExpression:
		return fmt.Sprintf("e%d", c.ID)
	default:
		return fmt.Sprintf("invalid(%d:%d)", c.Kind, c.ID)
	}
}

// =============================================================================
// Expressions
// =============================================================================

// ExprKind is the operator of a CounterExpression.
//
// The ordinal order matches the host ABI: Subtract first, then Add.
type ExprKind uint8

const (
	// ExprSubtract computes lhs - rhs, saturating at zero.
	ExprSubtract ExprKind = iota

	// ExprAdd computes lhs + rhs.
	ExprAdd
)

// String returns "subtract", "add" or "unknown".
func (k ExprKind) String() string {
	switch k {
	case ExprSubtract:
		return "subtract"
	case ExprAdd:
		return "add"
	default:
		return "unknown"
	}
}

// IsValid reports whether k is one of the declared operators.
func (k ExprKind) IsValid() bool {
	return k <= ExprAdd
}

// ParseExprKind parses the names produced by ExprKind.String.
func ParseExprKind(s string) (ExprKind, error) {
	switch s {
	case "subtract", "sub", "-":
		return ExprSubtract, nil
	case "add", "+":
		return ExprAdd, nil
	default:
		return 0, fmt.Errorf("%w: expression kind %q", ErrInvalidCounter, s)
	}
}

// CounterExpression is a binary operation over two counters. Operands may
// themselves be expressions, so a table forms a DAG that must be acyclic.
type CounterExpression struct {
	Kind ExprKind
	LHS  Counter
	RHS  Counter
}

// String returns "(lhs op rhs)".
func (e CounterExpression) String() string {
	op := "?"
	switch e.Kind {
	case ExprSubtract:
		op = "-"
	case ExprAdd:
		op = "+"
	}
	return fmt.Sprintf("(%s %s %s)", e.LHS, op, e.RHS)
}

// =============================================================================
// Regions
// =============================================================================

// SourceRegion is an opaque source-region descriptor. Its layout belongs to
// the line-mapping subsystem and is never interpreted here.
type SourceRegion []byte

// Clone returns an independent copy.
func (r SourceRegion) Clone() SourceRegion {
	if r == nil {
		return nil
	}
	return slices.Clone(r)
}

// CounterRegion associates a counter with the basic blocks it covers and an
// opaque source region.
type CounterRegion struct {
	Counter      Counter
	BasicBlocks  []BasicBlock
	SourceRegion SourceRegion
}

// Clone returns a deep copy of the region.
func (r CounterRegion) Clone() CounterRegion {
	return CounterRegion{
		Counter:      r.Counter.Normalize(),
		BasicBlocks:  slices.Clone(r.BasicBlocks),
		SourceRegion: r.SourceRegion.Clone(),
	}
}

// CoverageMap is a function's ordered region list plus the expression table
// the regions reference.
type CoverageMap struct {
	Expressions []CounterExpression
	Regions     []CounterRegion
}

// Clone returns a deep copy. Zero counters are normalized on the way.
func (m CoverageMap) Clone() CoverageMap {
	out := CoverageMap{
		Expressions: make([]CounterExpression, len(m.Expressions)),
		Regions:     make([]CounterRegion, len(m.Regions)),
	}
	for i, e := range m.Expressions {
		out.Expressions[i] = CounterExpression{
			Kind: e.Kind,
			LHS:  e.LHS.Normalize(),
			RHS:  e.RHS.Normalize(),
		}
	}
	for i, r := range m.Regions {
		out.Regions[i] = r.Clone()
	}
	return out
}

// BasicBlocks returns the distinct blocks covered by the map's regions in
// first-appearance order.
func (m CoverageMap) BasicBlocks() []BasicBlock {
	seen := make(map[BasicBlock]struct{})
	var out []BasicBlock
	for _, r := range m.Regions {
		for _, b := range r.BasicBlocks {
			if _, ok := seen[b]; ok {
				continue
			}
			seen[b] = struct{}{}
			out = append(out, b)
		}
	}
	return out
}
