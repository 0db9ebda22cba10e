// Package sqlite implements kv.Backend on SQLite using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/strata/kv"
)

// Options configures the backend.
type Options struct {
	// Synchronous is the PRAGMA synchronous level (OFF, NORMAL, FULL).
	Synchronous string

	// BusyTimeoutMillis is the PRAGMA busy_timeout value.
	BusyTimeoutMillis int
}

// DefaultOptions are the options used by Open.
var DefaultOptions = Options{
	Synchronous:       "FULL",
	BusyTimeoutMillis: 5000,
}

// Backend is a durable kv.Backend stored in a single SQLite file.
type Backend struct {
	db *sql.DB
}

var _ kv.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string, optFns ...func(o *Options)) (*Backend, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// One connection keeps pragmas and write ordering consistent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	for _, stmt := range statements(opts) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing sqlite: %w", err)
		}
	}

	return &Backend{db: db}, nil
}

func statements(opts Options) []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = " + opts.Synchronous,
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeoutMillis),
		`CREATE TABLE IF NOT EXISTS kv (
			k BLOB PRIMARY KEY,
			v BLOB NOT NULL
		) WITHOUT ROWID`,
	}
}

// Get implements kv.Reader.
func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, error) {
	var v []byte
	err := b.db.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	return v, nil
}

// Scan implements kv.Reader.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	end := kv.PrefixEnd(prefix)
	switch {
	case len(prefix) == 0:
		rows, err = b.db.QueryContext(ctx, "SELECT k, v FROM kv ORDER BY k")
	case end == nil:
		rows, err = b.db.QueryContext(ctx, "SELECT k, v FROM kv WHERE k >= ? ORDER BY k", prefix)
	default:
		rows, err = b.db.QueryContext(ctx, "SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k", prefix, end)
	}
	if err != nil {
		return fmt.Errorf("scanning prefix: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Apply implements kv.Backend. The batch runs in one SQL transaction.
func (b *Backend) Apply(ctx context.Context, batch *kv.Batch) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	put, err := tx.PrepareContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v")
	if err != nil {
		return fmt.Errorf("preparing put: %w", err)
	}
	defer put.Close()

	del, err := tx.PrepareContext(ctx, "DELETE FROM kv WHERE k = ?")
	if err != nil {
		return fmt.Errorf("preparing delete: %w", err)
	}
	defer del.Close()

	for _, op := range batch.Ops() {
		switch op.Kind {
		case kv.OpPut:
			if _, err := put.ExecContext(ctx, op.Key, op.Value); err != nil {
				return fmt.Errorf("writing key: %w", err)
			}
		case kv.OpDelete:
			if _, err := del.ExecContext(ctx, op.Key); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Durable implements kv.Backend.
func (b *Backend) Durable() bool { return true }

// Close implements kv.Backend.
func (b *Backend) Close() error { return b.db.Close() }
