// Package database stores batches, responses, rater labels, final labels,
// exclusions and analysis runs in SQLite.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is a handle on the phasestat store.
type DB struct {
	conn *sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// Open opens the store at dbPath, creating the file and its directory on
// first use, and brings the schema up to date.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// One connection: PRAGMAs are per connection and the labeler's
	// writes arrive from several goroutines.
	conn.SetMaxOpenConns(1)

	if err := setup(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn, path: dbPath}, nil
}

func setup(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrate(conn); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

func (db *DB) Close() error { return db.conn.Close() }

// Path is the file the store was opened from.
func (db *DB) Path() string { return db.path }
