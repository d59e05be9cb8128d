// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package counter evaluates coverage counters into hit counts.
//
// A function's counters form a DAG: regions reference counters, counters
// reference instrumentation values or expression table entries, and
// expressions combine two counters with Add or Subtract. Entries may be
// shared by several parents.
//
// # Evaluation Pass
//
// An Evaluator represents one evaluation pass over a single expression
// table and instrumentation buffer. Every expression and every
// instrumentation read is resolved at most once per pass, so evaluating all
// regions of a function costs O(expressions + regions) regardless of
// sharing. A visiting set detects cycles, which fail with
// coverage.ErrCyclicExpression after at most len(expressions) steps.
//
// # Saturation
//
// Coverage counts are non-negative. Subtract clamps at zero and Add clamps
// at math.MaxUint64. Every clamp is recorded as a SaturationEvent, logged
// at Warn level and counted in the coverage_counter_saturations_total
// metric, because it means the buffer is stale or a region is counted twice.
//
// # Thread Safety
//
// Evaluator is NOT safe for concurrent use. Create one per goroutine; the
// expression table it reads is never mutated.
package counter

import (
	"context"
	"log/slog"
	"math/bits"
	"slices"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
)

// Values is the instrumentation buffer read by CounterValueReference.
type Values interface {
	// Len returns the number of counters in the buffer.
	Len() int

	// At returns counter i. Callers guarantee 0 <= i < Len().
	At(i int) uint64
}

// Slice is a Values backed by a plain slice.
type Slice []uint64

// Len implements Values.
func (s Slice) Len() int { return len(s) }

// At implements Values.
func (s Slice) At(i int) uint64 { return s[i] }

// SaturationEvent records an arithmetic result that was clamped.
type SaturationEvent struct {
	// Expression is the index of the clamped expression.
	Expression uint32

	// Kind is the operator that saturated.
	Kind coverage.ExprKind

	// LHS and RHS are the evaluated operands.
	LHS uint64
	RHS uint64
}

type visitState uint8

const (
	unvisited visitState = iota
	visiting
	done
)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger used to report saturation.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSaturationHandler registers a callback invoked for every clamp.
func WithSaturationHandler(fn func(SaturationEvent)) Option {
	return func(e *Evaluator) {
		e.onSaturate = fn
	}
}

// WithContext sets the context used for metric recording.
func WithContext(ctx context.Context) Option {
	return func(e *Evaluator) {
		if ctx != nil {
			e.ctx = ctx
		}
	}
}

// Evaluator resolves counters against one expression table and buffer.
type Evaluator struct {
	expressions []coverage.CounterExpression
	values      Values

	state   []visitState
	results []uint64
	reads   map[uint32]uint64

	saturations []SaturationEvent
	onSaturate  func(SaturationEvent)
	logger      *slog.Logger
	ctx         context.Context
}

// NewEvaluator creates an evaluation pass.
//
// Description:
//
//	The evaluator borrows expressions and values; neither may be mutated
//	while it is in use. A nil values buffer behaves as an empty buffer.
//
// Inputs:
//
//	expressions - The function's expression table.
//	values - Instrumentation values indexed by counter id.
//	opts - Optional logger, saturation handler and context.
//
// Outputs:
//
//	*Evaluator - Ready for Evaluate calls that share one memo.
func NewEvaluator(expressions []coverage.CounterExpression, values Values, opts ...Option) *Evaluator {
	if values == nil {
		values = Slice(nil)
	}
	e := &Evaluator{
		expressions: expressions,
		values:      values,
		state:       make([]visitState, len(expressions)),
		results:     make([]uint64, len(expressions)),
		reads:       make(map[uint32]uint64),
		logger:      slog.Default(),
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves c to a hit count.
//
// Description:
//
//	Zero yields 0. A value reference yields the buffered value. An
//	expression combines its evaluated operands. Results are memoized for
//	the lifetime of the evaluator.
//
// Inputs:
//
//	c - The counter to resolve.
//
// Outputs:
//
//	uint64 - The hit count.
//	error - *EvalError wrapping coverage.ErrOutOfRange,
//	        coverage.ErrCyclicExpression or coverage.ErrInvalidCounter.
//
// Thread Safety: Not safe for concurrent use.
func (e *Evaluator) Evaluate(c coverage.Counter) (uint64, error) {
	v, err := e.eval(c.Normalize())
	if err != nil {
		recordEvalError(e.ctx, err)
	}
	return v, err
}

// Saturations returns the clamps observed so far in this pass.
func (e *Evaluator) Saturations() []SaturationEvent {
	return slices.Clone(e.saturations)
}

func (e *Evaluator) eval(c coverage.Counter) (uint64, error) {
	switch c.Kind {
	case coverage.CounterKindZero:
		return 0, nil

	case coverage.CounterKindValueReference:
		if v, ok := e.reads[c.ID]; ok {
			return v, nil
		}
		if int64(c.ID) >= int64(e.values.Len()) {
			return 0, &EvalError{Counter: c, Limit: e.values.Len(), Err: coverage.ErrOutOfRange}
		}
		v := e.values.At(int(c.ID))
		e.reads[c.ID] = v
		return v, nil

	case coverage.CounterKindExpression:
		return e.evalExpression(c)

	default:
		return 0, &EvalError{Counter: c, Err: coverage.ErrInvalidCounter}
	}
}

func (e *Evaluator) evalExpression(c coverage.Counter) (uint64, error) {
	idx := int64(c.ID)
	if idx >= int64(len(e.expressions)) {
		return 0, &EvalError{Counter: c, Limit: len(e.expressions), Err: coverage.ErrOutOfRange}
	}

	switch e.state[idx] {
	case done:
		return e.results[idx], nil
	case visiting:
		return 0, &EvalError{Counter: c, Err: coverage.ErrCyclicExpression}
	}

	expr := e.expressions[idx]
	if !expr.Kind.IsValid() {
		return 0, &EvalError{Counter: c, Err: coverage.ErrInvalidCounter}
	}

	e.state[idx] = visiting
	lhs, err := e.eval(expr.LHS.Normalize())
	if err != nil {
		e.state[idx] = unvisited
		return 0, err
	}
	rhs, err := e.eval(expr.RHS.Normalize())
	if err != nil {
		e.state[idx] = unvisited
		return 0, err
	}

	var result uint64
	switch expr.Kind {
	case coverage.ExprAdd:
		sum, carry := bits.Add64(lhs, rhs, 0)
		if carry != 0 {
			sum = ^uint64(0)
			e.saturate(c.ID, expr.Kind, lhs, rhs)
		}
		result = sum
	case coverage.ExprSubtract:
		if rhs > lhs {
			e.saturate(c.ID, expr.Kind, lhs, rhs)
		} else {
			result = lhs - rhs
		}
	}

	e.results[idx] = result
	e.state[idx] = done
	return result, nil
}

func (e *Evaluator) saturate(id uint32, kind coverage.ExprKind, lhs, rhs uint64) {
	ev := SaturationEvent{Expression: id, Kind: kind, LHS: lhs, RHS: rhs}
	e.saturations = append(e.saturations, ev)
	recordSaturation(e.ctx, kind)
	e.logger.Warn("counter expression saturated",
		slog.Uint64("expression", uint64(id)),
		slog.String("op", kind.String()),
		slog.Uint64("lhs", lhs),
		slog.Uint64("rhs", rhs),
	)
	if e.onSaturate != nil {
		e.onSaturate(ev)
	}
}

// Evaluate resolves a single counter in a fresh evaluation pass.
func Evaluate(expressions []coverage.CounterExpression, c coverage.Counter, values Values) (uint64, error) {
	return NewEvaluator(expressions, values).Evaluate(c)
}
