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

// frame is one entry of the iterative DFS stack used by Validate.
type frame struct {
	idx  int
	next int // operand to inspect next: 0 = lhs, 1 = rhs, 2 = finished
}

// Validate checks an expression table without evaluating it.
//
// Description:
//
//	Verifies that every operator and operand kind is declared, that
//	expression operands index into the table, that the table is acyclic
//	and, when numCounters >= 0, that value references fit the buffer.
//	Uses an iterative DFS so deep tables cannot exhaust the stack.
//
// Inputs:
//
//	expressions - The table to check.
//	numCounters - Instrumentation buffer length, or -1 to skip that check.
//
// Outputs:
//
//	error - The first *EvalError found in table order, or nil.
func Validate(expressions []coverage.CounterExpression, numCounters int) error {
	state := make([]visitState, len(expressions))

	for root := range expressions {
		if state[root] != unvisited {
			continue
		}
		state[root] = visiting
		stack := []frame{{idx: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			expr := expressions[top.idx]

			if top.next == 0 && !expr.Kind.IsValid() {
				return &EvalError{Counter: coverage.ExpressionCounter(uint32(top.idx)), Err: coverage.ErrInvalidCounter}
			}
			if top.next == 2 {
				state[top.idx] = done
				stack = stack[:len(stack)-1]
				continue
			}

			op := expr.LHS
			if top.next == 1 {
				op = expr.RHS
			}
			top.next++

			switch op.Kind {
			case coverage.CounterKindZero:
			case coverage.CounterKindValueReference:
				if numCounters >= 0 && int64(op.ID) >= int64(numCounters) {
					return &EvalError{Counter: op, Limit: numCounters, Err: coverage.ErrOutOfRange}
				}
			case coverage.CounterKindExpression:
				child := int64(op.ID)
				if child >= int64(len(expressions)) {
					return &EvalError{Counter: op, Limit: len(expressions), Err: coverage.ErrOutOfRange}
				}
				switch state[child] {
				case visiting:
					return &EvalError{Counter: op, Err: coverage.ErrCyclicExpression}
				case unvisited:
					state[child] = visiting
					stack = append(stack, frame{idx: int(child)})
				}
			default:
				return &EvalError{Counter: op, Err: coverage.ErrInvalidCounter}
			}
		}
	}
	return nil
}

// ValidateMap checks a coverage map's expression table and the counters
// referenced by its regions.
func ValidateMap(m coverage.CoverageMap, numCounters int) error {
	if err := Validate(m.Expressions, numCounters); err != nil {
		return err
	}
	for i, r := range m.Regions {
		c := r.Counter.Normalize()
		var err error
		switch c.Kind {
		case coverage.CounterKindZero:
		case coverage.CounterKindValueReference:
			if numCounters >= 0 && int64(c.ID) >= int64(numCounters) {
				err = &EvalError{Counter: c, Limit: numCounters, Err: coverage.ErrOutOfRange}
			}
		case coverage.CounterKindExpression:
			if int64(c.ID) >= int64(len(m.Expressions)) {
				err = &EvalError{Counter: c, Limit: len(m.Expressions), Err: coverage.ErrOutOfRange}
			}
		default:
			err = &EvalError{Counter: c, Err: coverage.ErrInvalidCounter}
		}
		if err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
	}
	return nil
}
