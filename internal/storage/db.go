// Package storage keeps the local call log and the peer name cache in a
// single SQLite file.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// ErrNotFound is returned when a call log id does not exist.
var ErrNotFound = errors.New("not found")

const schemaVersion = "1"

// sqliteTime is the layout CURRENT_TIMESTAMP writes.
const sqliteTime = "2006-01-02 15:04:05"

// DB wraps the SQLite database of one peer.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'missed'
			            CHECK (status IN ('missed', 'accepted', 'rejected')),
			start_time  DATETIME DEFAULT CURRENT_TIMESTAMP,
			end_time    DATETIME,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_call_logs_caller ON call_logs(caller_id);
		CREATE INDEX IF NOT EXISTS idx_call_logs_receiver ON call_logs(receiver_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_logs table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _peer_cache (
			peer_id      TEXT PRIMARY KEY,
			display_name TEXT DEFAULT '',
			last_seen    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peer cache table: %w", err)
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write meta: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the _meta table, or "" if unset.
func (d *DB) Meta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v sql.NullString
	_ = d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	return v.String
}

// parseTime accepts both CURRENT_TIMESTAMP text and the RFC 3339 form the
// driver produces when it hands back a time.Time for a DATETIME column.
func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}
