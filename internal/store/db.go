package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// dsnOptions enables WAL so the outbox poller and the sync path can read
// concurrently, and keeps writers queued instead of failing on SQLITE_BUSY.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// DB wraps the app-owned cache.db SQLite handle. It holds the device-id
// cache, the recovery-key cache and the outbox — everything the session
// needs to survive a restart that is not owned by the protocol client's
// own crypto store.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the cache database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection serializes all writers at the pool level; the
	// store's callers are low-volume so this costs nothing.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
