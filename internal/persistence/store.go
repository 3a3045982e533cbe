// Package persistence provides the SQLite-backed durable store for memory
// scopes and artifacts.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/agentcore/internal/memory"
)

// SQLiteStore implements memory.Backend and artifact storage on one database.
//
// Timestamps and TTLs are stored as epoch/duration milliseconds so other
// runtimes can read the file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at dbPath. Parent directories
// are created as needed. WAL mode and a busy timeout are enabled.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewMemoryBacked creates an in-memory SQLite store for testing.
func NewMemoryBacked(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// A single connection keeps the shared-cache in-memory DB alive.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_entries (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		written_at_ms INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, key)
	);

	CREATE INDEX IF NOT EXISTS idx_memory_entries_scope ON memory_entries(scope);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		title TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_task_id ON artifacts(task_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts a memory entry. Implements memory.Backend.
func (s *SQLiteStore) Put(scope, key string, e memory.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_entries (scope, key, value, written_at_ms, ttl_ms, access_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, key) DO UPDATE SET
			value = excluded.value,
			written_at_ms = excluded.written_at_ms,
			ttl_ms = excluded.ttl_ms,
			access_count = excluded.access_count`,
		scope, key, e.Value, e.Timestamp.UnixMilli(), e.TTL.Milliseconds(), e.AccessCount)
	if err != nil {
		return fmt.Errorf("upserting %s/%s: %w", scope, key, err)
	}
	return nil
}

// Delete removes one memory entry. Implements memory.Backend.
func (s *SQLiteStore) Delete(scope, key string) error {
	_, err := s.db.Exec(`DELETE FROM memory_entries WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", scope, key, err)
	}
	return nil
}

// DeleteScope removes every entry of a scope. Implements memory.Backend.
func (s *SQLiteStore) DeleteScope(scope string) error {
	_, err := s.db.Exec(`DELETE FROM memory_entries WHERE scope = ?`, scope)
	if err != nil {
		return fmt.Errorf("clearing scope %s: %w", scope, err)
	}
	return nil
}

// LoadScope reads every entry of a scope. Implements memory.Backend.
func (s *SQLiteStore) LoadScope(scope string) (map[string]memory.Entry, error) {
	rows, err := s.db.Query(`
		SELECT key, value, written_at_ms, ttl_ms, access_count
		FROM memory_entries WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("loading scope %s: %w", scope, err)
	}
	defer rows.Close()

	entries := make(map[string]memory.Entry)
	for rows.Next() {
		var (
			key         string
			value       string
			writtenAtMs int64
			ttlMs       int64
			accessCount int
		)
		if err := rows.Scan(&key, &value, &writtenAtMs, &ttlMs, &accessCount); err != nil {
			return nil, fmt.Errorf("scanning scope %s: %w", scope, err)
		}
		entries[key] = memory.Entry{
			Value:       value,
			Timestamp:   time.UnixMilli(writtenAtMs),
			TTL:         time.Duration(ttlMs) * time.Millisecond,
			AccessCount: accessCount,
		}
	}
	return entries, rows.Err()
}

// SaveArtifact durably records an artifact produced by a reasoning loop.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, taskID, title, artifactType, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (task_id, title, type, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, title, artifactType, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving artifact %q for task %s: %w", title, taskID, err)
	}
	return nil
}

// Artifact is one stored artifact row.
type Artifact struct {
	TaskID    string
	Title     string
	Type      string
	Content   string
	CreatedAt time.Time
}

// ListArtifacts returns the artifacts recorded for a task, oldest first.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, title, type, content, created_at_ms
		FROM artifacts WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var (
			a           Artifact
			createdAtMs int64
		)
		if err := rows.Scan(&a.TaskID, &a.Title, &a.Type, &a.Content, &createdAtMs); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		a.CreatedAt = time.UnixMilli(createdAtMs)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
