// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/projection"
)

var (
	fn7 = coverage.NewFunction(7)
	fn8 = coverage.NewFunction(8)
	b1  = coverage.NewBasicBlock(1)
	b2  = coverage.NewBasicBlock(2)
	b3  = coverage.NewBasicBlock(3)
	p1  = coverage.NewProjectionID(1)
	p2  = coverage.NewProjectionID(2)
	p3  = coverage.NewProjectionID(3)
)

// backends opens a fresh store of every kind.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	bs, err := OpenStore(ctx, Options{Backend: BackendBadger, InMemory: true})
	require.NoError(t, err)
	ss, err := OpenStore(ctx, Options{Backend: BackendSQLite, InMemory: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = bs.Close()
		_ = ss.Close()
	})
	return map[string]Store{"badger": bs, "sqlite": ss}
}

func collect(t *testing.T, store Store, fn coverage.Function, block coverage.BasicBlock) []coverage.ProjectionID {
	t.Helper()
	var out []coverage.ProjectionID
	for id, err := range store.Projections(context.Background(), fn, block) {
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

// =============================================================================
// Store Contract
// =============================================================================

func TestStore_RecordAndProjections(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Record(ctx, p2, fn7, []coverage.BasicBlock{b1, b2}))
			require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}))
			require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}), "record is idempotent")

			assert.Equal(t, []coverage.ProjectionID{p1, p2}, collect(t, store, fn7, b1))
			assert.Equal(t, []coverage.ProjectionID{p2}, collect(t, store, fn7, b2))
			assert.Empty(t, collect(t, store, fn7, b3))
			assert.Empty(t, collect(t, store, fn8, b1))
		})
	}
}

func TestStore_HasFunction(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}))

			ok, err := store.HasFunction(ctx, fn7)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.HasFunction(ctx, fn8)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_Forget(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1, b2}))
			require.NoError(t, store.Record(ctx, p1, fn8, []coverage.BasicBlock{b1}))
			require.NoError(t, store.Record(ctx, p2, fn7, []coverage.BasicBlock{b1}))

			require.NoError(t, store.Forget(ctx, p1))

			assert.Equal(t, []coverage.ProjectionID{p2}, collect(t, store, fn7, b1))
			assert.Empty(t, collect(t, store, fn7, b2))
			ok, err := store.HasFunction(ctx, fn8)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_BreakReleasesIterator(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}))
			require.NoError(t, store.Record(ctx, p2, fn7, []coverage.BasicBlock{b1}))

			for id, err := range store.Projections(ctx, fn7, b1) {
				require.NoError(t, err)
				assert.Equal(t, p1, id)
				break
			}

			if bs, ok := store.(*BadgerStore); ok {
				assert.Zero(t, bs.OpenIterators())
			}
			// The in-memory sqlite store has a single connection, so this
			// only succeeds if the abandoned rows were closed.
			require.NoError(t, store.Record(ctx, p3, fn7, []coverage.BasicBlock{b1}))
			assert.Equal(t, []coverage.ProjectionID{p1, p2, p3}, collect(t, store, fn7, b1))
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			assert.ErrorIs(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}), context.Canceled)
			for _, err := range store.Projections(ctx, fn7, b1) {
				assert.ErrorIs(t, err, context.Canceled)
			}
		})
	}
}

func TestStore_Closed(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Close())
			require.NoError(t, store.Close())
			_, err := store.HasFunction(context.Background(), fn7)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestSQLiteStore_PersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(ctx, Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteStore(ctx, Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []coverage.ProjectionID{p1}, collect(t, reopened, fn7, b1))
}

func TestBadgerStore_PersistsToDirectory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenBadgerStore(Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}))
	require.NoError(t, store.Close())

	reopened, err := OpenBadgerStore(Options{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []coverage.ProjectionID{p1}, collect(t, reopened, fn7, b1))
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend(" SQLite ")
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, b)

	_, err = ParseBackend("postgres")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = OpenStore(context.Background(), Options{Backend: "postgres"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

// =============================================================================
// Index As ProjectorLookup
// =============================================================================

func TestIndex_ProjectsThroughEngine(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Record(ctx, p1, fn7, []coverage.BasicBlock{b1}))
			require.NoError(t, store.Record(ctx, p2, fn7, []coverage.BasicBlock{b1, b2}))
			require.NoError(t, store.Record(ctx, p3, fn7, []coverage.BasicBlock{b2}))

			sink := &projection.Collector{}
			result, err := projection.NewEngine(projection.Config{Workers: 2}).ProjectUpdatedBlocks(ctx, New(store),
				[]coverage.UpdatedBlock{{Function: fn7, Block: b1}, {Function: fn7, Block: b2}, {Function: fn8, Block: b1}}, sink)
			require.NoError(t, err)

			assert.Equal(t, []coverage.ProjectionID{p1, p2, p3}, sink.IDs())
			assert.Equal(t, 1, result.Suppressed)
			assert.Equal(t, 1, result.FunctionsSkipped, "fn8 has no recorded projections")
		})
	}
}

func TestIndex_StoreErrorIsAbsence(t *testing.T) {
	store, err := OpenStore(context.Background(), Options{Backend: BackendBadger, InMemory: true})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, ok := New(store).Lookup(context.Background(), fn7)
	assert.False(t, ok)
}
