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
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/counter"
)

var (
	fn7 = coverage.NewFunction(7)
	fn8 = coverage.NewFunction(8)
	b1  = coverage.NewBasicBlock(1)
	b2  = coverage.NewBasicBlock(2)
	c0  = coverage.ValueCounter(0)
	c1  = coverage.ValueCounter(1)
	e0  = coverage.ExpressionCounter(0)
)

func sampleTable() ([]coverage.CounterExpression, []coverage.CounterRegion) {
	exprs := []coverage.CounterExpression{
		{Kind: coverage.ExprAdd, LHS: c0, RHS: c1},
	}
	regions := []coverage.CounterRegion{
		{Counter: c0, BasicBlocks: []coverage.BasicBlock{b1}, SourceRegion: coverage.SourceRegion("a.go:1")},
		{Counter: e0, BasicBlocks: []coverage.BasicBlock{b2}, SourceRegion: coverage.SourceRegion("a.go:2")},
	}
	return exprs, regions
}

// =============================================================================
// Publication
// =============================================================================

func TestModel_UnknownFunctionIsEmpty(t *testing.T) {
	m := New()

	exprs, regions := m.GetExpressionsAndCounterRegions(fn7)
	assert.NotNil(t, exprs)
	assert.NotNil(t, regions)
	assert.Empty(t, exprs)
	assert.Empty(t, regions)

	_, err := m.Snapshot(fn7)
	assert.ErrorIs(t, err, coverage.ErrUnknownFunction)
}

func TestModel_PublishAndGet(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	m.Publish(fn7, exprs, regions)

	gotExprs, gotRegions := m.GetExpressionsAndCounterRegions(fn7)
	assert.Equal(t, exprs, gotExprs)
	assert.Equal(t, regions, gotRegions)
	assert.Equal(t, 1, m.Len())
}

func TestModel_PublishCopiesInputs(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	m.Publish(fn7, exprs, regions)

	exprs[0].Kind = coverage.ExprSubtract
	regions[0].BasicBlocks[0] = coverage.NewBasicBlock(99)
	regions[0].SourceRegion[0] = 'z'

	gotExprs, gotRegions := m.GetExpressionsAndCounterRegions(fn7)
	assert.Equal(t, coverage.ExprAdd, gotExprs[0].Kind)
	assert.Equal(t, b1, gotRegions[0].BasicBlocks[0])
	assert.Equal(t, coverage.SourceRegion("a.go:1"), gotRegions[0].SourceRegion)
}

func TestModel_ReturnedCopiesAreIndependent(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	m.Publish(fn7, exprs, regions)

	gotExprs, gotRegions := m.GetExpressionsAndCounterRegions(fn7)
	gotExprs[0].RHS = c0
	gotRegions[1].BasicBlocks[0] = b1

	again, againRegions := m.GetExpressionsAndCounterRegions(fn7)
	assert.Equal(t, c1, again[0].RHS)
	assert.Equal(t, b2, againRegions[1].BasicBlocks[0])
}

func TestModel_RepublishReplacesWhileOldSnapshotStaysIntact(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	old := m.Publish(fn7, exprs, regions)

	newer := m.Publish(fn7, nil, []coverage.CounterRegion{{Counter: c1, BasicBlocks: []coverage.BasicBlock{b2}}})
	assert.Greater(t, newer.Generation(), old.Generation())

	current, err := m.Snapshot(fn7)
	require.NoError(t, err)
	assert.Same(t, newer, current)

	assert.Len(t, old.Regions(), 2, "held snapshot still sees its own table")
	assert.Len(t, current.Regions(), 1)
}

func TestModel_RemoveAndFunctions(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	m.Publish(fn8, exprs, regions)
	m.Publish(fn7, exprs, regions)

	assert.Equal(t, []coverage.Function{fn7, fn8}, m.Functions())
	assert.True(t, m.Remove(fn8))
	assert.False(t, m.Remove(fn8))
	assert.Equal(t, []coverage.Function{fn7}, m.Functions())
}

func TestSnapshot_BasicBlocksAndValidate(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	snap := m.Publish(fn7, exprs, regions)

	assert.Equal(t, []coverage.BasicBlock{b1, b2}, snap.BasicBlocks())
	assert.NoError(t, snap.Validate(2))
	assert.ErrorIs(t, snap.Validate(1), coverage.ErrOutOfRange)
}

// =============================================================================
// Evaluation
// =============================================================================

func TestModel_EvaluateFunction(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	m.Publish(fn7, exprs, regions)

	ev, err := m.EvaluateFunction(context.Background(), fn7, counter.Slice{2, 5})
	require.NoError(t, err)
	require.Len(t, ev.Regions, 2)
	assert.Equal(t, uint64(2), ev.Regions[0].Count)
	assert.Equal(t, uint64(7), ev.Regions[1].Count)
	assert.Equal(t, []coverage.BasicBlock{b2}, ev.Regions[1].BasicBlocks)
	assert.Empty(t, ev.Saturations)
}

func TestModel_EvaluateUnknownFunction(t *testing.T) {
	ev, err := New().EvaluateFunction(context.Background(), fn7, counter.Slice{1})
	require.NoError(t, err)
	assert.Empty(t, ev.Regions)
}

func TestModel_EvaluateReportsRegion(t *testing.T) {
	m := New()
	m.Publish(fn7, nil, []coverage.CounterRegion{
		{Counter: c0},
		{Counter: coverage.ValueCounter(5)},
	})

	_, err := m.EvaluateFunction(context.Background(), fn7, counter.Slice{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, coverage.ErrOutOfRange)

	var regionErr *RegionError
	require.True(t, errors.As(err, &regionErr))
	assert.Equal(t, 1, regionErr.Region)
	assert.Equal(t, fn7, regionErr.Function)
}

func TestModel_EvaluateAllIsolatesFailures(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	m.Publish(fn7, exprs, regions)
	m.Publish(fn8, []coverage.CounterExpression{{Kind: coverage.ExprAdd, LHS: e0, RHS: c0}}, []coverage.CounterRegion{{Counter: e0}})

	evals, errs, err := m.EvaluateAll(context.Background(), map[coverage.Function]counter.Values{
		fn7: counter.Slice{2, 5},
		fn8: counter.Slice{1},
	})
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, fn7, evals[0].Function)
	require.Contains(t, errs, fn8)
	assert.ErrorIs(t, errs[fn8], coverage.ErrCyclicExpression)
}

func TestModel_EvaluateAllHonoursCancellation(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()
	m.Publish(fn7, exprs, regions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	evals, _, err := m.EvaluateAll(ctx, map[coverage.Function]counter.Values{fn7: counter.Slice{1, 1}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, evals)
}

func TestModel_ConcurrentPublishAndRead(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Publish(fn7, exprs, regions)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ev, err := m.EvaluateFunction(context.Background(), fn7, counter.Slice{2, 5})
				if err != nil {
					t.Errorf("evaluate: %v", err)
					return
				}
				if len(ev.Regions) != 0 && len(ev.Regions) != 2 {
					t.Errorf("torn table: %d regions", len(ev.Regions))
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestModel_ConcurrentPublishKeepsNewestGeneration(t *testing.T) {
	m := New()
	exprs, regions := sampleTable()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		newest uint64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				gen := m.Publish(fn7, exprs, regions).Generation()
				mu.Lock()
				newest = max(newest, gen)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	snap, err := m.Snapshot(fn7)
	require.NoError(t, err)
	assert.Equal(t, newest, snap.Generation())
	assert.Equal(t, uint64(1600), snap.Generation())
}
