// Package store provides durable persistence for conversation snapshots and
// the outbound frame queue, with a transparent in-memory fallback.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/animachat/relay/internal/frame"
)

var errEmptySnapshotID = errors.New("save snapshot: empty id")

const (
	// DefaultSnapshotCap is the number of snapshots retained before pruning.
	DefaultSnapshotCap = 30
	// MaxSnapshotMessages bounds the message list persisted per snapshot.
	MaxSnapshotMessages = 200
)

// ThreadSnapshot is the durable record of one conversation's last known
// state, used to hydrate the UI while offline.
type ThreadSnapshot struct {
	ID        string            `json:"id"`
	Thread    json.RawMessage   `json:"thread,omitempty"`
	Messages  []json.RawMessage `json:"messages"`
	Docs      json.RawMessage   `json:"docs,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// OutboxEntry is a queued outbound frame awaiting delivery. UIDs are
// assigned by the store and increase monotonically with enqueue order.
type OutboxEntry struct {
	UID       int64
	Frame     frame.Frame
	CreatedAt time.Time
}

// Store persists snapshots and the outbox. Writes are a durability
// optimization, not a correctness requirement; the network peer remains
// the source of truth, so callers treat failures as best-effort.
type Store interface {
	// SaveSnapshot upserts a snapshot keyed by its ID. The message list
	// is truncated to the most recent MaxSnapshotMessages before write.
	SaveSnapshot(ctx context.Context, snap ThreadSnapshot) error

	// RecentSnapshots returns up to limit snapshots, most recently
	// updated first.
	RecentSnapshots(ctx context.Context, limit int) ([]ThreadSnapshot, error)

	// PruneSnapshots deletes all but the limit most recently updated
	// snapshots and returns the number removed.
	PruneSnapshots(ctx context.Context, limit int) (int64, error)

	// EnqueueFrame appends a frame to the outbox and returns its UID.
	EnqueueFrame(ctx context.Context, f frame.Frame) (int64, error)

	// ListOutbox returns all queued entries, oldest first.
	ListOutbox(ctx context.Context) ([]OutboxEntry, error)

	// DeleteOutboxItem removes one entry by UID. Deleting an unknown
	// UID is not an error.
	DeleteOutboxItem(ctx context.Context, uid int64) error

	// ClearOutbox removes all queued entries.
	ClearOutbox(ctx context.Context) error

	// Ping verifies the storage engine is reachable.
	Ping(ctx context.Context) error

	// Close releases storage resources.
	Close() error
}

// Open probes the durable engine once and falls back to the in-memory
// store when it is unavailable. Callers never special-case the fallback.
func Open(dbPath string) Store {
	s, err := NewSQLite(dbPath)
	if err != nil {
		slog.Warn("Durable store unavailable, using in-memory fallback", "path", dbPath, "error", err)
		return NewMemory()
	}
	return s
}

// capMessages truncates a message list to the most recent
// MaxSnapshotMessages entries to bound storage growth.
func capMessages(messages []json.RawMessage) []json.RawMessage {
	if len(messages) <= MaxSnapshotMessages {
		return messages
	}
	return messages[len(messages)-MaxSnapshotMessages:]
}
