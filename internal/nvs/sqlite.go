package nvs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds SQLite engine configuration
type SQLiteConfig struct {
	Path     string
	Capacity int // maximum number of committed entries
}

// SQLiteEngine stores the partition in a single SQLite file.
type SQLiteEngine struct {
	mu       sync.Mutex
	path     string
	capacity int
	conn     *sql.DB
}

// NewSQLiteEngine opens (creating if needed) the database file at cfg.Path.
func NewSQLiteEngine(cfg SQLiteConfig) (*SQLiteEngine, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrStoreUnavailable)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}

	e := &SQLiteEngine{
		path:     cfg.Path,
		capacity: cfg.Capacity,
	}
	if err := e.open(); err != nil {
		return nil, err
	}
	return e, nil
}

// open establishes the connection (caller must hold mu or own e exclusively).
func (e *SQLiteEngine) open() error {
	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return fmt.Errorf("%w: failed to create database directory: %v", ErrStoreUnavailable, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", e.path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}
	// A single connection keeps the staged-commit transaction and readers ordered.
	conn.SetMaxOpenConns(1)

	e.conn = conn
	return nil
}

// configurePragmas sets durability pragmas; power loss must never leave a
// half-applied commit behind.
func (e *SQLiteEngine) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA synchronous = FULL",
		"PRAGMA temp_store = memory",
	}

	for _, pragma := range pragmas {
		if _, err := e.conn.ExecContext(ctx, pragma); err != nil {
			return classifySQLiteError(fmt.Errorf("failed to set pragma %s: %w", pragma, err))
		}
	}
	return nil
}

// Check creates the schema on a fresh file and validates version and capacity.
func (e *SQLiteEngine) Check(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.configurePragmas(ctx); err != nil {
		return err
	}
	if err := e.migrate(ctx); err != nil {
		return err
	}

	var raw string
	err := e.conn.QueryRowContext(ctx, "SELECT value FROM nvs_meta WHERE key = 'format_version'").Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := e.conn.ExecContext(ctx,
			"INSERT INTO nvs_meta (key, value) VALUES ('format_version', ?)",
			strconv.Itoa(FormatVersion)); err != nil {
			return classifySQLiteError(fmt.Errorf("failed to stamp format version: %w", err))
		}
	case err != nil:
		return classifySQLiteError(fmt.Errorf("failed to read format version: %w", err))
	default:
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version != FormatVersion {
			return fmt.Errorf("%w: found %q, want %d", ErrNewVersionFound, raw, FormatVersion)
		}
	}

	count, err := e.count(ctx)
	if err != nil {
		return err
	}
	if count > e.capacity {
		return fmt.Errorf("%w: %d entries exceed capacity %d", ErrNoFreePages, count, e.capacity)
	}
	return nil
}

func (e *SQLiteEngine) migrate(ctx context.Context) error {
	migrations := []string{
		createMetaTable,
		createEntriesTable,
	}

	for i, migration := range migrations {
		if _, err := e.conn.ExecContext(ctx, migration); err != nil {
			return classifySQLiteError(fmt.Errorf("failed to run migration %d: %w", i+1, err))
		}
	}
	return nil
}

const createMetaTable = `
CREATE TABLE IF NOT EXISTS nvs_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS nvs_entries (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    type INTEGER NOT NULL,
    value BLOB NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (namespace, key)
);`

// Get returns a committed entry
func (e *SQLiteEngine) Get(ctx context.Context, namespace, key string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := Entry{Key: key}
	var typ int
	err := e.conn.QueryRowContext(ctx,
		"SELECT type, value FROM nvs_entries WHERE namespace = ? AND key = ?",
		namespace, key).Scan(&typ, &entry.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, classifySQLiteError(fmt.Errorf("failed to get %s/%s: %w", namespace, key, err))
	}
	entry.Type = EntryType(typ)
	return entry, nil
}

// Apply writes all entries in one transaction and rolls back if the result
// would exceed the configured capacity.
func (e *SQLiteEngine) Apply(ctx context.Context, namespace string, entries []Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if entry.Deleted {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM nvs_entries WHERE namespace = ? AND key = ?",
				namespace, entry.Key); err != nil {
				return classifySQLiteError(fmt.Errorf("failed to delete %s/%s: %w", namespace, entry.Key, err))
			}
			continue
		}

		query := `
		INSERT INTO nvs_entries (namespace, key, type, value, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET
			type = excluded.type,
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`
		if _, err := tx.ExecContext(ctx, query, namespace, entry.Key, int(entry.Type), entry.Value); err != nil {
			return classifySQLiteError(fmt.Errorf("failed to set %s/%s: %w", namespace, entry.Key, err))
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM nvs_entries").Scan(&count); err != nil {
		return classifySQLiteError(fmt.Errorf("failed to count entries: %w", err))
	}
	if count > e.capacity {
		return fmt.Errorf("%w: commit needs %d entries, capacity is %d", ErrNoSpace, count, e.capacity)
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Count returns the number of committed entries
func (e *SQLiteEngine) Count(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count(ctx)
}

func (e *SQLiteEngine) count(ctx context.Context) (int, error) {
	var count int
	if err := e.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM nvs_entries").Scan(&count); err != nil {
		return 0, classifySQLiteError(fmt.Errorf("failed to count entries: %w", err))
	}
	return count, nil
}

// Erase removes the database file and its WAL companions, then reopens an
// empty file. Nothing in a damaged file can be trusted, so nothing is kept.
func (e *SQLiteEngine) Erase(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: failed to remove %s: %v", ErrStoreUnavailable, e.path+suffix, err)
		}
	}
	return e.open()
}

// Close closes the database connection
func (e *SQLiteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// classifySQLiteError maps SQLite result codes onto the store taxonomy.
func classifySQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		case sqlite3.ErrFull:
			return fmt.Errorf("%w: %v", ErrNoSpace, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrPerm, sqlite3.ErrReadonly, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	// Errors raised while the driver opens the connection are not always typed.
	if strings.Contains(err.Error(), "file is not a database") {
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	return err
}
