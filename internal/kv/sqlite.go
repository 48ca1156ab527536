package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteEngine is a durable Engine backed by a single SQLite database.
//
// All stores share two tables: records holds (store, key, value) ordered by
// (store, key); index_entries holds secondary index rows. BLOB comparison in
// SQLite is bytewise, which matches the Engine's key ordering contract.
type SQLiteEngine struct {
	db *sql.DB
}

const sqliteSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS records (
	store TEXT NOT NULL,
	key BLOB NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (store, key)
);

CREATE TABLE IF NOT EXISTS index_entries (
	store TEXT NOT NULL,
	idx TEXT NOT NULL,
	indexed_key BLOB NOT NULL,
	record_key BLOB NOT NULL,
	PRIMARY KEY (store, idx, indexed_key, record_key)
);
CREATE INDEX IF NOT EXISTS idx_index_entries_scan ON index_entries(store, idx, indexed_key);
CREATE INDEX IF NOT EXISTS idx_index_entries_record ON index_entries(store, record_key);
`

// NewSQLiteEngine opens (creating if necessary) the database at dbPath.
// WAL mode is enabled for concurrent readers.
func NewSQLiteEngine(dbPath string) (*SQLiteEngine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteEngine{db: db}, nil
}

// Put implements Engine. The value write and index replacement happen in one
// SQLite transaction.
func (e *SQLiteEngine) Put(ctx context.Context, store string, key, value []byte, indexes []IndexEntry) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(fmt.Errorf("begin put: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (store, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(store, key) DO UPDATE SET value = excluded.value`,
		store, key, value,
	); err != nil {
		return mapSQLiteErr(fmt.Errorf("put record: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_entries WHERE store = ? AND record_key = ?`,
		store, key,
	); err != nil {
		return mapSQLiteErr(fmt.Errorf("clear index entries: %w", err))
	}

	for _, ie := range indexes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO index_entries (store, idx, indexed_key, record_key) VALUES (?, ?, ?, ?)`,
			store, ie.Index, ie.Key, key,
		); err != nil {
			return mapSQLiteErr(fmt.Errorf("put index entry %s: %w", ie.Index, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(fmt.Errorf("commit put: %w", err))
	}
	return nil
}

// Get implements Engine.
func (e *SQLiteEngine) Get(ctx context.Context, store string, key []byte) ([]byte, error) {
	var value []byte
	err := e.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE store = ? AND key = ?`,
		store, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return value, nil
}

// Delete implements Engine.
func (e *SQLiteEngine) Delete(ctx context.Context, store string, key []byte) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE store = ? AND key = ?`, store, key,
	); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_entries WHERE store = ? AND record_key = ?`, store, key,
	); err != nil {
		return fmt.Errorf("delete index entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// RangeScan implements Engine.
func (e *SQLiteEngine) RangeScan(ctx context.Context, store, index string, r Range, dir Direction, limit int) ([]Record, error) {
	order := "ASC"
	if dir == Reverse {
		order = "DESC"
	}

	var query strings.Builder
	args := []any{store}

	if index == "" {
		query.WriteString(`SELECT key, value FROM records WHERE store = ?`)
		if r.Start != nil {
			query.WriteString(` AND key >= ?`)
			args = append(args, r.Start)
		}
		if r.End != nil {
			query.WriteString(` AND key < ?`)
			args = append(args, r.End)
		}
		query.WriteString(` ORDER BY key ` + order)
	} else {
		query.WriteString(
			`SELECT rec.key, rec.value FROM index_entries ie
			 JOIN records rec ON rec.store = ie.store AND rec.key = ie.record_key
			 WHERE ie.store = ? AND ie.idx = ?`)
		args = append(args, index)
		if r.Start != nil {
			query.WriteString(` AND ie.indexed_key >= ?`)
			args = append(args, r.Start)
		}
		if r.End != nil {
			query.WriteString(` AND ie.indexed_key < ?`)
			args = append(args, r.End)
		}
		query.WriteString(` ORDER BY ie.indexed_key ` + order + `, ie.record_key ` + order)
	}
	if limit > 0 {
		query.WriteString(fmt.Sprintf(` LIMIT %d`, limit))
	}

	rows, err := e.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("range scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Count implements Engine.
func (e *SQLiteEngine) Count(ctx context.Context, store, index string, r Range) (int, error) {
	var query strings.Builder
	args := []any{store}

	if index == "" {
		query.WriteString(`SELECT COUNT(*) FROM records WHERE store = ?`)
		if r.Start != nil {
			query.WriteString(` AND key >= ?`)
			args = append(args, r.Start)
		}
		if r.End != nil {
			query.WriteString(` AND key < ?`)
			args = append(args, r.End)
		}
	} else {
		query.WriteString(`SELECT COUNT(*) FROM index_entries WHERE store = ? AND idx = ?`)
		args = append(args, index)
		if r.Start != nil {
			query.WriteString(` AND indexed_key >= ?`)
			args = append(args, r.Start)
		}
		if r.End != nil {
			query.WriteString(` AND indexed_key < ?`)
			args = append(args, r.End)
		}
	}

	var n int
	if err := e.db.QueryRowContext(ctx, query.String(), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Close implements Engine.
func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

// Ping verifies database connectivity.
func (e *SQLiteEngine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// mapSQLiteErr translates SQLite capacity failures to ErrStorageFull so
// callers see the engine-agnostic sentinel.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "disk full") {
		return fmt.Errorf("%w: %w", ErrStorageFull, err)
	}
	return err
}
