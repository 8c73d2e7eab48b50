// Package store provides the SQLite-backed local replica of a site.
//
// This package implements the storage collaborator the sync engine consumes:
//   - a transactional connection (Tx) with per-table FindOneByID, UpsertOne
//     and Delete
//   - the changelog, written in the same transaction as every mutation
//   - the sync buffer, staging inbound records until they are integrated
//   - a small key-value table holding cursors and sync status
//
// The database runs in embedded mode with WAL so the CLI can read status
// while a daemon is syncing.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection of the local replica.
type DB struct {
	conn *sql.DB
	path string
}

// Querier is satisfied by *sql.DB, *sql.Tx and *Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new database connection at the specified path.
//
// Pragmas are passed in the DSN so that every pooled connection gets them.
// Write transactions begin IMMEDIATE to avoid lock upgrade failures between
// a pull and a push running at the same time.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(OFF)")
	params.Set("_txlock", "immediate")
	connStr := fmt.Sprintf("file:%s?%s", path, params.Encode())

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Tx is one storage transaction.
//
// Every UpsertOne/Delete made through a Tx appends a changelog entry in the
// same transaction. When the Tx was opened for sync integration the entries
// are flagged so the pusher does not echo them back to the server.
type Tx struct {
	*sql.Tx
	syncUpdate bool
}

// SyncUpdate reports whether this transaction integrates inbound records.
func (tx *Tx) SyncUpdate() bool {
	return tx.syncUpdate
}

// LocalChanges returns a view of the same transaction whose changelog
// entries are not flagged as sync updates. Integration uses it for rows it
// derives locally (merge revisions) that must be pushed.
func (tx *Tx) LocalChanges() *Tx {
	return &Tx{Tx: tx.Tx}
}

// Begin starts a transaction. syncUpdate marks changelog entries written by
// pull integration.
func (db *DB) Begin(ctx context.Context, syncUpdate bool) (*Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{Tx: tx, syncUpdate: syncUpdate}, nil
}

// BeginReadOnly starts a read-only transaction. Translation for push runs in
// one so it sees a consistent snapshot without taking the write lock.
func (db *DB) BeginReadOnly(ctx context.Context) (*Tx, error) {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	return &Tx{Tx: tx}, nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, syncUpdate bool, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, syncUpdate)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const schemaSQL = `
-- Sync bookkeeping
CREATE TABLE IF NOT EXISTS changelog (
	cursor INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	action TEXT NOT NULL,            -- upsert, delete
	is_sync_update INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changelog_sync ON changelog(is_sync_update, cursor);

CREATE TABLE IF NOT EXISTS sync_buffer (
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	action TEXT NOT NULL,            -- upsert, delete, merge
	data TEXT NOT NULL,
	seq INTEGER NOT NULL,
	received_time TEXT NOT NULL,
	integration_time TEXT,
	integration_error TEXT,
	PRIMARY KEY (table_name, record_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_buffer_pending ON sync_buffer(integration_time, seq);

CREATE TABLE IF NOT EXISTS key_value_store (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Replicated domain tables
CREATE TABLE IF NOT EXISTS unit (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	"index" INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS item (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT NOT NULL,
	unit_id TEXT,
	type TEXT NOT NULL,
	default_pack_size REAL NOT NULL DEFAULT 1,
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS name (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT NOT NULL,
	type TEXT NOT NULL,
	is_customer INTEGER NOT NULL DEFAULT 0,
	is_supplier INTEGER NOT NULL DEFAULT 0,
	first_name TEXT,
	last_name TEXT,
	date_of_birth TEXT,
	created_datetime TEXT
);

CREATE TABLE IF NOT EXISTS name_link (
	id TEXT PRIMARY KEY,
	name_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_name_link_name ON name_link(name_id);

CREATE TABLE IF NOT EXISTS store (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	name_id TEXT NOT NULL,
	site_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS name_store_join (
	id TEXT PRIMARY KEY,
	name_id TEXT NOT NULL,
	store_id TEXT NOT NULL,
	name_is_customer INTEGER NOT NULL DEFAULT 0,
	name_is_supplier INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS location (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT NOT NULL,
	on_hold INTEGER NOT NULL DEFAULT 0,
	store_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stock_line (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	store_id TEXT NOT NULL,
	location_id TEXT,
	batch TEXT,
	expiry_date TEXT,
	pack_size REAL NOT NULL,
	cost_price_per_pack REAL NOT NULL DEFAULT 0,
	sell_price_per_pack REAL NOT NULL DEFAULT 0,
	available_number_of_packs REAL NOT NULL DEFAULT 0,
	total_number_of_packs REAL NOT NULL DEFAULT 0,
	on_hold INTEGER NOT NULL DEFAULT 0,
	note TEXT
);

CREATE TABLE IF NOT EXISTS requisition (
	id TEXT PRIMARY KEY,
	requisition_number INTEGER NOT NULL,
	name_id TEXT NOT NULL,
	store_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	created_datetime TEXT NOT NULL,
	sent_datetime TEXT,
	max_months_of_stock REAL NOT NULL DEFAULT 0,
	min_months_of_stock REAL NOT NULL DEFAULT 0,
	comment TEXT
);

CREATE TABLE IF NOT EXISTS requisition_line (
	id TEXT PRIMARY KEY,
	requisition_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	requested_quantity REAL NOT NULL DEFAULT 0,
	supply_quantity REAL NOT NULL DEFAULT 0,
	available_stock_on_hand REAL NOT NULL DEFAULT 0,
	average_monthly_consumption INTEGER NOT NULL DEFAULT 0,
	comment TEXT
);

-- Documents are immutable revisions; document_head is the only mutable part.
CREATE TABLE IF NOT EXISTS document (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_ids TEXT NOT NULL,        -- JSON array
	author TEXT NOT NULL,
	timestamp TEXT NOT NULL,         -- UTC, sortable
	utc_offset INTEGER NOT NULL DEFAULT 0, -- seconds east of UTC as received
	type TEXT NOT NULL,
	data TEXT NOT NULL,
	schema_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_document_name ON document(name);

CREATE TABLE IF NOT EXISTS document_head (
	name TEXT PRIMARY KEY,
	document_id TEXT NOT NULL
);
`
