package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/animachat/relay/internal/frame"
	"github.com/animachat/relay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLite-backed store at the given path.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode so outbox writes do not block snapshot reads.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			slog.Debug("Failed to close database after ping failure", "error", closeErr)
		}
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			slog.Debug("Failed to close database after schema failure", "error", closeErr)
		}
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		thread_json TEXT,
		messages_json TEXT NOT NULL,
		docs_json TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON snapshots(updated_at);

	CREATE TABLE IF NOT EXISTS outbox (
		uid INTEGER PRIMARY KEY AUTOINCREMENT,
		frame_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSnapshot upserts a snapshot keyed by ID, truncating the message list
// to the retention cap first.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap ThreadSnapshot) error {
	if snap.ID == "" {
		return errEmptySnapshotID
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}

	messagesJSON, err := json.Marshal(capMessages(snap.Messages))
	if err != nil {
		return fmt.Errorf("marshal snapshot messages: %w", err)
	}

	query := `
	INSERT INTO snapshots (id, thread_json, messages_json, docs_json, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		thread_json = excluded.thread_json,
		messages_json = excluded.messages_json,
		docs_json = excluded.docs_json,
		updated_at = excluded.updated_at`

	err = s.execWithRetry(ctx, query,
		snap.ID, nullableJSON(snap.Thread), string(messagesJSON),
		nullableJSON(snap.Docs), snap.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots, most recently updated first.
func (s *SQLiteStore) RecentSnapshots(ctx context.Context, limit int) ([]ThreadSnapshot, error) {
	query := `
		SELECT id, thread_json, messages_json, docs_json, updated_at
		FROM snapshots ORDER BY updated_at DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close snapshot rows", "error", closeErr)
		}
	}()

	var snaps []ThreadSnapshot
	for rows.Next() {
		var snap ThreadSnapshot
		var threadJSON, docsJSON sql.NullString
		var messagesJSON string
		var updatedAt int64

		if err := rows.Scan(&snap.ID, &threadJSON, &messagesJSON, &docsJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}

		if threadJSON.Valid {
			snap.Thread = json.RawMessage(threadJSON.String)
		}
		if docsJSON.Valid {
			snap.Docs = json.RawMessage(docsJSON.String)
		}
		if err := json.Unmarshal([]byte(messagesJSON), &snap.Messages); err != nil {
			return nil, fmt.Errorf("decode snapshot messages: %w", err)
		}
		snap.UpdatedAt = time.UnixMilli(updatedAt)
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snaps, nil
}

// PruneSnapshots deletes all but the limit most recently updated snapshots.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, limit int) (int64, error) {
	query := `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY updated_at DESC, id LIMIT ?
		)`
	result, err := s.db.ExecContext(ctx, query, limit)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return result.RowsAffected()
}

// EnqueueFrame appends a frame to the outbox and returns its UID.
func (s *SQLiteStore) EnqueueFrame(ctx context.Context, f frame.Frame) (int64, error) {
	data, err := f.Encode()
	if err != nil {
		return 0, fmt.Errorf("enqueue frame: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (frame_json, created_at) VALUES (?, ?)`,
		string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue frame: %w", err)
	}

	uid, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue frame id: %w", err)
	}
	return uid, nil
}

// ListOutbox returns all queued entries, oldest first.
func (s *SQLiteStore) ListOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, frame_json, created_at FROM outbox ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close outbox rows", "error", closeErr)
		}
	}()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var frameJSON string
		var createdAt int64

		if err := rows.Scan(&entry.UID, &frameJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}

		f, err := frame.Decode([]byte(frameJSON))
		if err != nil {
			// A corrupt entry would wedge the flush forever; skip it.
			slog.Warn("Dropping undecodable outbox entry", "uid", entry.UID, "error", err)
			continue
		}
		entry.Frame = f
		entry.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}

	return entries, nil
}

// DeleteOutboxItem removes one entry by UID.
func (s *SQLiteStore) DeleteOutboxItem(ctx context.Context, uid int64) error {
	err := s.execWithRetry(ctx, `DELETE FROM outbox WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("delete outbox item: %w", err)
	}
	return nil
}

// ClearOutbox removes all queued entries.
func (s *SQLiteStore) ClearOutbox(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execWithRetry runs a write with exponential backoff on SQLITE_BUSY,
// which can surface when a flush and a snapshot write land together.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			return err
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Write hit SQLITE_BUSY, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
