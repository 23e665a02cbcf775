package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/surveylink/surveylink/pkg/types"
)

// ErrNotFound is returned when a record does not exist in durable storage.
var ErrNotFound = errors.New("record not found")

var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Entity is anything the generic store can persist.
type Entity interface {
	EntityID() string
}

// Store is typed CRUD over one sqlite table with a bounded TTL cache and
// audit logging. Records are stored as JSON documents; filtered queries go
// through json_extract so the schema stays uniform across entities.
type Store[T Entity] struct {
	db     *DB
	table  string
	cache  *Cache[string, T]
	logger *slog.Logger
}

// NewStore ensures the entity table exists and returns a store over it.
func NewStore[T Entity](db *DB, table string, logger *slog.Logger) (*Store[T], error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		synced_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at);
	`, table, table, table)
	if _, err := db.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Store[T]{
		db:     db,
		table:  table,
		cache:  NewCache[string, T](DefaultCacheTTL, DefaultCacheSize),
		logger: logger,
	}, nil
}

// logOp appends to the audit log. Audit failures never fail the operation.
func (s *Store[T]) logOp(ctx context.Context, op, id string, opErr error) {
	entry := SyncLogEntry{
		Table:     s.table,
		Operation: op,
		RecordID:  id,
		Timestamp: time.Now().UTC(),
		Success:   opErr == nil,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := s.db.AppendSyncLog(ctx, entry); err != nil {
		s.logger.Warn("sync log append failed", "table", s.table, "op", op, "error", err)
	}
}

// Create inserts a new record, refreshes the cache and logs the write.
func (s *Store[T]) Create(ctx context.Context, e T) error {
	data, err := json.Marshal(e)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "marshal %s record", s.table)
	}
	now := time.Now().UTC()
	_, err = s.db.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)`, s.table),
		e.EntityID(), string(data), now, now)
	s.logOp(ctx, "create", e.EntityID(), err)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "insert into %s", s.table)
	}
	s.cache.Set(e.EntityID(), e)
	return nil
}

// CreateMany inserts records in a single transaction.
func (s *Store[T]) CreateMany(ctx context.Context, entities []T) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "begin tx on %s", s.table)
	}
	now := time.Now().UTC()
	stmt := fmt.Sprintf(`INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)`, s.table)
	for _, e := range entities {
		data, err := json.Marshal(e)
		if err == nil {
			_, err = tx.ExecContext(ctx, stmt, e.EntityID(), string(data), now, now)
		}
		if err != nil {
			tx.Rollback()
			s.logOp(ctx, "createMany", e.EntityID(), err)
			return types.WrapError(types.CodeStorage, err, "insert into %s", s.table)
		}
	}
	if err := tx.Commit(); err != nil {
		return types.WrapError(types.CodeStorage, err, "commit on %s", s.table)
	}
	for _, e := range entities {
		s.cache.Set(e.EntityID(), e)
		s.logOp(ctx, "create", e.EntityID(), nil)
	}
	return nil
}

// FindByID reads cache-then-storage. A durable hit refreshes the cache.
func (s *Store[T]) FindByID(ctx context.Context, id string) (T, error) {
	if v, ok := s.cache.Get(id); ok {
		return v, nil
	}

	var zero T
	var data string
	err := s.db.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, s.table), id).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, types.WrapError(types.CodeStorage, err, "select from %s", s.table)
	}

	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return zero, types.WrapError(types.CodeStorage, err, "unmarshal %s record %s", s.table, id)
	}
	s.cache.Set(id, v)
	return v, nil
}

// FindAll returns records ordered newest first.
func (s *Store[T]) FindAll(ctx context.Context, limit, offset int) ([]T, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, s.table),
		limit, offset)
	if err != nil {
		return nil, types.WrapError(types.CodeStorage, err, "select from %s", s.table)
	}
	return s.scanAll(rows)
}

// FindWhere returns records whose JSON field matches value, in creation
// order. The field name must come from code, never from user input.
func (s *Store[T]) FindWhere(ctx context.Context, field string, value any, limit, offset int) ([]T, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE json_extract(data, ?) = ? ORDER BY created_at, id LIMIT ? OFFSET ?`, s.table),
		"$."+field, value, limit, offset)
	if err != nil {
		return nil, types.WrapError(types.CodeStorage, err, "select from %s", s.table)
	}
	return s.scanAll(rows)
}

func (s *Store[T]) scanAll(rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, types.WrapError(types.CodeStorage, err, "scan %s row", s.table)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, types.WrapError(types.CodeStorage, err, "unmarshal %s record", s.table)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.CodeStorage, err, "iterate %s rows", s.table)
	}
	return out, nil
}

// Update rewrites an existing record.
func (s *Store[T]) Update(ctx context.Context, e T) error {
	data, err := json.Marshal(e)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "marshal %s record", s.table)
	}
	res, err := s.db.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = ? WHERE id = ?`, s.table),
		string(data), time.Now().UTC(), e.EntityID())
	s.logOp(ctx, "update", e.EntityID(), err)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "update %s", s.table)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.cache.Set(e.EntityID(), e)
	return nil
}

// Upsert inserts or rewrites a record, preserving created_at on rewrite.
func (s *Store[T]) Upsert(ctx context.Context, e T) error {
	data, err := json.Marshal(e)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "marshal %s record", s.table)
	}
	now := time.Now().UTC()
	_, err = s.db.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, s.table),
		e.EntityID(), string(data), now, now)
	s.logOp(ctx, "upsert", e.EntityID(), err)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "upsert into %s", s.table)
	}
	s.cache.Set(e.EntityID(), e)
	return nil
}

// Delete removes a record and its cache entry.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	_, err := s.db.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table), id)
	s.logOp(ctx, "delete", id, err)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "delete from %s", s.table)
	}
	s.cache.Delete(id)
	return nil
}

// Count returns the number of stored records.
func (s *Store[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	if err != nil {
		return 0, types.WrapError(types.CodeStorage, err, "count %s", s.table)
	}
	return n, nil
}

// GetUnsyncedItems returns records not yet acknowledged by the backend.
func (s *Store[T]) GetUnsyncedItems(ctx context.Context) ([]T, error) {
	rows, err := s.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE synced_at IS NULL ORDER BY created_at, id`, s.table))
	if err != nil {
		return nil, types.WrapError(types.CodeStorage, err, "select unsynced from %s", s.table)
	}
	return s.scanAll(rows)
}

// MarkAsSynced stamps a record as acknowledged. The cache entry is dropped
// so the next read observes the durable state.
func (s *Store[T]) MarkAsSynced(ctx context.Context, id string) error {
	res, err := s.db.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET synced_at = ? WHERE id = ?`, s.table),
		time.Now().UTC(), id)
	s.logOp(ctx, "markSynced", id, err)
	if err != nil {
		return types.WrapError(types.CodeStorage, err, "mark synced in %s", s.table)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.cache.Delete(id)
	return nil
}

// InvalidateCache drops every cached entry for this store.
func (s *Store[T]) InvalidateCache() {
	s.cache.Clear()
}
