// Package storage is the durable half of the transport channel: a generic
// row store on SQLite. Every fact the channel persists (participants,
// commands, captions, messages, rooms) is one row of (table, key, room, ts,
// JSON data). Inserts are keyed and ignored on conflict, which is what makes
// at-least-once replication from the realtime side idempotent.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite row store for one client.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Row is one stored record. Data is the JSON encoding of the typed record
// (proto.Participant, proto.Command, ...). TS is unix millis and is the
// column liveness/ordering filters compare against.
type Row struct {
	Table string
	Key   string
	Room  string
	TS    int64
	Data  []byte
}

// Open opens or creates the store in the given directory. Pass ":memory:"
// as dir for an ephemeral store (used by tests and the ws/pubsub replicas
// when no state dir is configured).
func Open(dir string) (*DB, error) {
	dbPath := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		dbPath = filepath.Join(dir, "orbit.db")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrency, busy timeout so replication writes don't fail
	// under a heartbeat burst.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rows (
			tbl  TEXT NOT NULL,
			key  TEXT NOT NULL,
			room TEXT NOT NULL,
			ts   INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (tbl, key)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rows table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_rows_room_ts ON rows (tbl, room, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rows index: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// Insert stores a row, ignoring it silently if a row with the same
// (table, key) already exists. Returns whether the row was actually written
// to the store; false means a duplicate delivery (or a lost race, for rooms).
func (d *DB) Insert(r Row) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO rows (tbl, key, room, ts, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tbl, key) DO NOTHING`,
		r.Table, r.Key, r.Room, r.TS, string(r.Data))
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", r.Table, r.Key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Upsert stores or fully replaces a row. A replay with an older ts is
// dropped so a delayed heartbeat can never roll a record back.
func (d *DB) Upsert(r Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO rows (tbl, key, room, ts, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tbl, key) DO UPDATE SET
			room = excluded.room,
			ts   = excluded.ts,
			data = excluded.data
		WHERE excluded.ts >= rows.ts`,
		r.Table, r.Key, r.Room, r.TS, string(r.Data))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", r.Table, r.Key, err)
	}
	return nil
}

// Get returns the row for (table, key), or false if absent.
func (d *DB) Get(table, key string) (Row, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r := Row{Table: table, Key: key}
	var data string
	err := d.db.QueryRow(`
		SELECT room, ts, data FROM rows WHERE tbl = ? AND key = ?`,
		table, key).Scan(&r.Room, &r.TS, &data)
	if err != nil {
		return Row{}, false
	}
	r.Data = []byte(data)
	return r, true
}

// QueryRoom returns all rows of a table scoped to a room with ts >= since,
// oldest first. since = 0 returns everything.
func (d *DB) QueryRoom(table, room string, since int64) ([]Row, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT key, room, ts, data FROM rows
		WHERE tbl = ? AND room = ? AND ts >= ?
		ORDER BY ts ASC`,
		table, room, since)
	if err != nil {
		return nil, fmt.Errorf("query %s in %s: %w", table, room, err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r := Row{Table: table}
		var data string
		if err := rows.Scan(&r.Key, &r.Room, &r.TS, &data); err != nil {
			return nil, err
		}
		r.Data = []byte(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryAll returns every row scoped to a room across all tables, oldest
// first. Used by the relay to replay state to a fresh connection.
func (d *DB) QueryAll(room string) ([]Row, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT tbl, key, room, ts, data FROM rows
		WHERE room = ?
		ORDER BY ts ASC`,
		room)
	if err != nil {
		return nil, fmt.Errorf("query room %s: %w", room, err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var data string
		if err := rows.Scan(&r.Table, &r.Key, &r.Room, &r.TS, &data); err != nil {
			return nil, err
		}
		r.Data = []byte(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a row. Used when a participant leaves cleanly; pruning of
// crashed participants happens by the liveness window, never here.
func (d *DB) Delete(table, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM rows WHERE tbl = ? AND key = ?`, table, key)
	return err
}
