// Package storage provides the durable sqlite backend, a generic
// cache-backed entity store, and the append-only sync log shared by all
// persisted entities.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle and schema lifecycle.
type DB struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	d := &DB{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		record_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		success INTEGER NOT NULL,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS queue_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_table ON sync_log(table_name, timestamp);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SyncLogEntry is one row of the append-only audit log.
type SyncLogEntry struct {
	Table     string
	Operation string
	RecordID  string
	Timestamp time.Time
	Success   bool
	Error     string
}

// AppendSyncLog records one storage operation in the audit log.
func (d *DB) AppendSyncLog(ctx context.Context, entry SyncLogEntry) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO sync_log (table_name, operation, record_id, timestamp, success, error) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Table, entry.Operation, entry.RecordID, entry.Timestamp, entry.Success, nullable(entry.Error))
	return err
}

// SyncLog returns the most recent audit rows for a table, newest first.
func (d *DB) SyncLog(ctx context.Context, table string, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT table_name, operation, record_id, timestamp, success, COALESCE(error, '')
		 FROM sync_log WHERE table_name = ? ORDER BY id DESC LIMIT ?`, table, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		if err := rows.Scan(&e.Table, &e.Operation, &e.RecordID, &e.Timestamp, &e.Success, &e.Error); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveQueueConfig persists the queue configuration singleton.
func (d *DB) SaveQueueConfig(ctx context.Context, cfg any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO queue_config (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC())
	return err
}

// LoadQueueConfig reads the queue configuration singleton into cfg. Returns
// false when no configuration has been saved yet.
func (d *DB) LoadQueueConfig(ctx context.Context, cfg any) (bool, error) {
	var data string
	err := d.db.QueryRowContext(ctx, `SELECT data FROM queue_config WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(data), cfg)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
