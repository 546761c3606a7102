// Package sqlite is a thin wrapper around database/sql plus the PRAGMA
// dance SQLite needs for concurrent access, shared by the tabular backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options describes the storage-level connection settings.
type Options struct {
	// DriverName selects the registered driver (default "sqlite3", matching
	// github.com/mattn/go-sqlite3's registration name).
	DriverName string
	// JournalMode sets the journal mode (WAL by default).
	JournalMode string
	// Synchronous sets the synchronous level (NORMAL by default).
	Synchronous string
	// BusyTimeout is how long to wait before SQLITE_BUSY. 0 means 5s.
	BusyTimeout time.Duration
	// ForeignKeys toggles foreign-key enforcement (on by default).
	ForeignKeys *bool
	// CacheSize sets the page cache size (negative = KiB). 0 leaves it unset.
	CacheSize int
	// MaxOpenConns caps open connections. 0 keeps the database/sql default.
	MaxOpenConns int
	// MaxIdleConns caps the idle connection pool. 0 keeps the default.
	MaxIdleConns int
	// ConnMaxLifetime caps a connection's lifetime.
	ConnMaxLifetime time.Duration
}

// Database is a thin wrapper over *sql.DB with no indexing-layer knowledge.
type Database struct {
	db *sql.DB
}

// Open connects to a SQLite database at path and applies the PRAGMAs Options
// describes.
func Open(path string, opts Options) (*Database, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}

	driver := opts.DriverName
	if driver == "" {
		driver = "sqlite3"
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	syncMode := opts.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", syncMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}

	if opts.ForeignKeys != nil {
		if *opts.ForeignKeys {
			pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
		} else {
			pragmas = append(pragmas, "PRAGMA foreign_keys=OFF")
		}
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	}

	if opts.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size=%d", opts.CacheSize))
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Exec runs a query with no returned rows.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// Query runs a query and hands the rows to the caller.
func (d *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// Prepare prepares a statement for reuse.
func (d *Database) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	return d.db.PrepareContext(ctx, query)
}

// BeginTx opens a transaction; the caller decides how to use it.
func (d *Database) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx is a thin wrapper over *sql.Tx with no indexing-layer business logic.
type Tx struct {
	tx *sql.Tx
}

// Exec runs a statement within the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs a query within the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// Prepare prepares a statement within the transaction.
func (t *Tx) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	return t.tx.PrepareContext(ctx, query)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Underlying returns the raw *sql.DB for low-level access.
func (d *Database) Underlying() *sql.DB {
	return d.db
}

// UnderlyingTx returns the raw *sql.Tx.
func (t *Tx) UnderlyingTx() *sql.Tx {
	return t.tx
}
