// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coverage defines the contract through which a compilation host
// (for example a JIT) exposes code coverage information to a consumer (for
// example an incremental test runner).
//
// # Overview
//
// The contract has two halves:
//
//   - Coverage maps: per-function counter expression tables and the
//     regions that reference them. See the counter and model packages for
//     evaluation and snapshot publication.
//   - Incremental projection: the host maps basic blocks that changed since
//     the previous session to consumer-owned identifiers (ProjectionID),
//     calling back into the consumer through ProjectorLookup and
//     BlockLookup. See the projection package.
//
// # Identifiers
//
// Function, BasicBlock and ProjectionID are opaque 64-bit handles. They are
// distinct struct types so they cannot be mixed or used in arithmetic by
// accident. They are comparable and can be used as map keys.
//
// Stability rules:
//
//   - Function is stable across sessions while the monomorphized
//     instantiation is unchanged.
//   - BasicBlock is stable across sessions only while every block that can
//     reach it in the normalized CFG is unchanged. Reusing an id for a
//     structurally different block is a host bug that this package cannot
//     detect.
//   - ProjectionID is allocated by the consumer. The host only receives,
//     deduplicates and forwards it.
//
// # Capability Ownership
//
// Lookups and sinks are borrowed for the duration of one call. Callees must
// not retain them after returning.
package coverage
