// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory_ReadWrite(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		assert.Equal(t, "v", string(val))
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestOpen_PersistentWithGC(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false
	cfg.GCInterval = 10 * time.Millisecond

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NotNil(t, db.gc)

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("persisted"), []byte("1"))
	}))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("persisted"))
		return err
	})
	assert.NoError(t, err)
}

func TestNewGCRunner_Validation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	tests := []struct {
		name     string
		db       *badger.DB
		interval time.Duration
		ratio    float64
	}{
		{"nil db", nil, time.Second, 0.5},
		{"zero interval", db.DB, 0, 0.5},
		{"ratio too low", db.DB, time.Second, 0},
		{"ratio too high", db.DB, time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGCRunner(tt.db, tt.interval, tt.ratio, nil)
			assert.Error(t, err)
		})
	}
}

func TestGCRunner_StopWithoutStart(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	runner, err := NewGCRunner(db.DB, time.Hour, 0.5, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runner.Stop()
		runner.Stop()
		runner.Start()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a runner that never started")
	}
}
