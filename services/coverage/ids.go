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
	"cmp"
	"strconv"
)

// Function identifies a monomorphized function across compilation sessions.
type Function struct {
	id uint64
}

// NewFunction wraps a host-allocated function identifier.
func NewFunction(id uint64) Function { return Function{id: id} }

// Uint64 returns the raw identifier.
func (f Function) Uint64() uint64 { return f.id }

// String returns the identifier formatted as "fn:<id>".
func (f Function) String() string { return "fn:" + strconv.FormatUint(f.id, 10) }

// Compare orders functions by raw identifier.
func (f Function) Compare(other Function) int { return cmp.Compare(f.id, other.id) }

// BasicBlock identifies a block within a function's control-flow graph.
//
// The identifier is only stable across sessions while every block that can
// reach it is unchanged.
type BasicBlock struct {
	id uint64
}

// NewBasicBlock wraps a host-allocated block identifier.
func NewBasicBlock(id uint64) BasicBlock { return BasicBlock{id: id} }

// Uint64 returns the raw identifier.
func (b BasicBlock) Uint64() uint64 { return b.id }

// String returns the identifier formatted as "bb:<id>".
func (b BasicBlock) String() string { return "bb:" + strconv.FormatUint(b.id, 10) }

// Compare orders blocks by raw identifier.
func (b BasicBlock) Compare(other BasicBlock) int { return cmp.Compare(b.id, other.id) }

// ProjectionID identifies a downstream artifact, such as a test case,
// affected by a block's coverage. It is owned by the consumer.
type ProjectionID struct {
	id uint64
}

// NewProjectionID wraps a consumer-allocated projection identifier.
func NewProjectionID(id uint64) ProjectionID { return ProjectionID{id: id} }

// Uint64 returns the raw identifier.
func (p ProjectionID) Uint64() uint64 { return p.id }

// String returns the identifier formatted as "proj:<id>".
func (p ProjectionID) String() string { return "proj:" + strconv.FormatUint(p.id, 10) }

// Compare orders projection identifiers by raw identifier.
func (p ProjectionID) Compare(other ProjectionID) int { return cmp.Compare(p.id, other.id) }

// UpdatedBlock names one basic block whose code changed since the previous
// compilation session.
type UpdatedBlock struct {
	Function Function
	Block    BasicBlock
}

// String returns "fn:<id>/bb:<id>".
func (u UpdatedBlock) String() string {
	return u.Function.String() + "/" + u.Block.String()
}

// CompareUpdatedBlocks orders by function, then block.
func CompareUpdatedBlocks(a, b UpdatedBlock) int {
	if c := a.Function.Compare(b.Function); c != 0 {
		return c
	}
	return a.Block.Compare(b.Block)
}
