// Package registry provides persistent storage for images, flavours and
// instance records. Uses pure-Go SQLite (modernc.org/sqlite), no cgo.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned by mutations on a record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a record whose name is taken.
	ErrExists = errors.New("already exists")

	// ErrInvalidName rejects names that cannot be used in file paths.
	ErrInvalidName = errors.New("invalid name")

	// ErrInUse is returned when deleting an image or flavour that
	// instances still reference.
	ErrInUse = errors.New("in use")
)

// DB wraps an SQLite database for picostack registry storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the CLI read while the daemon writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			name         TEXT PRIMARY KEY,
			filename     TEXT NOT NULL,
			disk_size_mb INTEGER NOT NULL DEFAULT 0,
			source       TEXT NOT NULL DEFAULT '',
			digest       TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS flavours (
			name       TEXT PRIMARY KEY,
			memory_mb  INTEGER NOT NULL DEFAULT 1024,
			cores      INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS instances (
			name               TEXT PRIMARY KEY,
			image              TEXT NOT NULL,
			flavour            TEXT NOT NULL,
			state              TEXT NOT NULL DEFAULT 'cloning',
			has_ssh            INTEGER NOT NULL DEFAULT 0,
			has_vnc            INTEGER NOT NULL DEFAULT 0,
			has_rdp            INTEGER NOT NULL DEFAULT 0,
			ssh_mapping        INTEGER,
			vnc_mapping        INTEGER,
			rdp_mapping        INTEGER,
			localhost_vnc_port INTEGER NOT NULL DEFAULT 0,
			disk_file          TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS instances_state ON instances(state);
	`)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullPort stores an unmapped port (0) as NULL.
func nullPort(p int) any {
	if p == 0 {
		return nil
	}
	return p
}

type scanner interface {
	Scan(dest ...any) error
}
