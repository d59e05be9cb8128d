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
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/index/migrations"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/storage/sqlitemigrate"
)

const sqliteParams = "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"

// SQLiteStore is a Store on a SQLite database.
//
// Ids are stored as INTEGER by reinterpreting the uint64 bits as int64.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLiteStore opens the database at opts.Path, or a private in-memory
// database when opts.InMemory is set, and applies embedded migrations.
func OpenSQLiteStore(ctx context.Context, opts Options) (*SQLiteStore, error) {
	var dsn string
	switch {
	case opts.InMemory:
		dsn = ":memory:"
	case strings.TrimSpace(opts.Path) == "":
		return nil, errors.New("sqlite index path is required")
	default:
		dsn = filepath.Clean(opts.Path) + sqliteParams
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	if opts.InMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite index: %w", err)
	}

	applied, err := sqlitemigrate.Apply(ctx, db, migrations.FS, "")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run index migrations: %w", err)
	}
	if len(applied) > 0 && opts.Logger != nil {
		opts.Logger.Debug("index migrations applied", slog.Any("migrations", applied))
	}
	return &SQLiteStore{db: db}, nil
}

func toSQL(id uint64) int64   { return int64(id) }
func fromSQL(id int64) uint64 { return uint64(id) }

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, p coverage.ProjectionID, fn coverage.Function, blocks []coverage.BasicBlock) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record %s: %w", p, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO block_projections
		(function_id, block_id, projection_id, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("record %s: %w", p, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixMilli()
	for _, b := range blocks {
		if _, err := stmt.ExecContext(ctx, toSQL(fn.Uint64()), toSQL(b.Uint64()), toSQL(p.Uint64()), now); err != nil {
			return fmt.Errorf("record %s: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record %s: %w", p, err)
	}
	return nil
}

// Forget implements Store.
func (s *SQLiteStore) Forget(ctx context.Context, p coverage.ProjectionID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM block_projections WHERE projection_id = ?`, toSQL(p.Uint64())); err != nil {
		return fmt.Errorf("forget %s: %w", p, err)
	}
	return nil
}

// Projections implements Store. The query runs on the first pull and its
// rows are closed when the range loop ends.
func (s *SQLiteStore) Projections(ctx context.Context, fn coverage.Function, block coverage.BasicBlock) iter.Seq2[coverage.ProjectionID, error] {
	return func(yield func(coverage.ProjectionID, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(coverage.ProjectionID{}, err)
			return
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT projection_id FROM block_projections
			 WHERE function_id = ? AND block_id = ?
			 ORDER BY projection_id`,
			toSQL(fn.Uint64()), toSQL(block.Uint64()),
		)
		if err != nil {
			yield(coverage.ProjectionID{}, fmt.Errorf("query %s/%s: %w", fn, block, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				yield(coverage.ProjectionID{}, fmt.Errorf("scan %s/%s: %w", fn, block, err))
				return
			}
			if !yield(coverage.NewProjectionID(fromSQL(id)), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(coverage.ProjectionID{}, fmt.Errorf("iterate %s/%s: %w", fn, block, err))
		}
	}
}

// HasFunction implements Store.
func (s *SQLiteStore) HasFunction(ctx context.Context, fn coverage.Function) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM block_projections WHERE function_id = ? LIMIT 1`,
		toSQL(fn.Uint64()),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", fn, err)
	}
	return true, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}
