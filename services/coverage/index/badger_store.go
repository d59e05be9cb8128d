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
	"encoding/binary"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	covbadger "github.com/AleutianAI/AleutianCoverage/services/coverage/storage/badger"
)

// Key layout. All integers are big-endian so byte order matches id order.
//
//	f/ function block projection   forward: block -> projections
//	r/ projection function block   reverse: projection -> blocks
var (
	forwardPrefix = []byte("f/")
	reversePrefix = []byte("r/")
)

const idLen = 8

func appendID(dst []byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, id)
}

func forwardKey(fn coverage.Function, block coverage.BasicBlock, p coverage.ProjectionID) []byte {
	k := make([]byte, 0, len(forwardPrefix)+3*idLen)
	k = append(k, forwardPrefix...)
	k = appendID(k, fn.Uint64())
	k = appendID(k, block.Uint64())
	return appendID(k, p.Uint64())
}

func reverseKey(p coverage.ProjectionID, fn coverage.Function, block coverage.BasicBlock) []byte {
	k := make([]byte, 0, len(reversePrefix)+3*idLen)
	k = append(k, reversePrefix...)
	k = appendID(k, p.Uint64())
	k = appendID(k, fn.Uint64())
	return appendID(k, block.Uint64())
}

// BadgerStore is a Store on BadgerDB.
type BadgerStore struct {
	db *covbadger.DB

	closed    atomic.Bool
	iterators atomic.Int64
}

// OpenBadgerStore opens a badger-backed store.
func OpenBadgerStore(opts Options) (*BadgerStore, error) {
	cfg := covbadger.DefaultConfig()
	if opts.InMemory {
		cfg = covbadger.InMemoryConfig()
	}
	cfg.Path = opts.Path
	cfg.Logger = opts.Logger
	if opts.GCInterval > 0 {
		cfg.GCInterval = opts.GCInterval
	}

	db, err := covbadger.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open badger index: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database. Close closes db.
func NewBadgerStore(db *covbadger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Record implements Store.
func (s *BadgerStore) Record(ctx context.Context, p coverage.ProjectionID, fn coverage.Function, blocks []coverage.BasicBlock) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, b := range blocks {
		if err := wb.Set(forwardKey(fn, b, p), nil); err != nil {
			return fmt.Errorf("record %s: %w", p, err)
		}
		if err := wb.Set(reverseKey(p, fn, b), nil); err != nil {
			return fmt.Errorf("record %s: %w", p, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("record %s: %w", p, err)
	}
	return nil
}

// Forget implements Store.
func (s *BadgerStore) Forget(ctx context.Context, p coverage.ProjectionID) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	prefix := appendID(append([]byte{}, reversePrefix...), p.Uint64())
	var doomed [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rest := it.Item().Key()[len(prefix):]
			fn := coverage.NewFunction(binary.BigEndian.Uint64(rest[:idLen]))
			block := coverage.NewBasicBlock(binary.BigEndian.Uint64(rest[idLen:]))
			doomed = append(doomed, it.Item().KeyCopy(nil), forwardKey(fn, block, p))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget %s: %w", p, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("forget %s: %w", p, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("forget %s: %w", p, err)
	}
	return nil
}

// Projections implements Store. The read transaction and iterator are
// opened on the first pull and released when the range loop ends.
func (s *BadgerStore) Projections(ctx context.Context, fn coverage.Function, block coverage.BasicBlock) iter.Seq2[coverage.ProjectionID, error] {
	return func(yield func(coverage.ProjectionID, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(coverage.ProjectionID{}, err)
			return
		}

		prefix := make([]byte, 0, len(forwardPrefix)+2*idLen)
		prefix = append(prefix, forwardPrefix...)
		prefix = appendID(prefix, fn.Uint64())
		prefix = appendID(prefix, block.Uint64())

		txn := s.db.NewTransaction(false)
		defer txn.Discard()

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		s.iterators.Add(1)
		defer func() {
			it.Close()
			s.iterators.Add(-1)
		}()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				yield(coverage.ProjectionID{}, err)
				return
			}
			id := binary.BigEndian.Uint64(it.Item().Key()[len(prefix):])
			if !yield(coverage.NewProjectionID(id), nil) {
				return
			}
		}
	}
}

// HasFunction implements Store.
func (s *BadgerStore) HasFunction(ctx context.Context, fn coverage.Function) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	prefix := appendID(append([]byte{}, forwardPrefix...), fn.Uint64())
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	return found, err
}

// OpenIterators returns the number of live Projections iterators.
func (s *BadgerStore) OpenIterators() int { return int(s.iterators.Load()) }

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}
