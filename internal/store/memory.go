package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/animachat/relay/internal/frame"
)

// MemoryStore implements Store against in-process structures. It is the
// fallback when the durable engine is unavailable; behavior is equivalent
// to the SQLite store minus crash persistence.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]ThreadSnapshot
	outbox    []OutboxEntry
	nextUID   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]ThreadSnapshot),
	}
}

// SaveSnapshot upserts a snapshot keyed by ID.
func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap ThreadSnapshot) error {
	if snap.ID == "" {
		return errEmptySnapshotID
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	snap.Messages = capMessages(snap.Messages)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ID] = snap
	return nil
}

// RecentSnapshots returns up to limit snapshots, most recently updated first.
func (m *MemoryStore) RecentSnapshots(ctx context.Context, limit int) ([]ThreadSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.sortedSnapshotsLocked()
	if limit < len(snaps) {
		snaps = snaps[:limit]
	}
	out := make([]ThreadSnapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

// PruneSnapshots deletes all but the limit most recently updated snapshots.
func (m *MemoryStore) PruneSnapshots(ctx context.Context, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.sortedSnapshotsLocked()
	if limit >= len(snaps) {
		return 0, nil
	}

	var removed int64
	for _, snap := range snaps[limit:] {
		delete(m.snapshots, snap.ID)
		removed++
	}
	return removed, nil
}

// EnqueueFrame appends a frame to the outbox and returns its UID.
func (m *MemoryStore) EnqueueFrame(ctx context.Context, f frame.Frame) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextUID++
	m.outbox = append(m.outbox, OutboxEntry{
		UID:       m.nextUID,
		Frame:     f,
		CreatedAt: time.Now(),
	})
	return m.nextUID, nil
}

// ListOutbox returns all queued entries, oldest first.
func (m *MemoryStore) ListOutbox(ctx context.Context) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OutboxEntry, len(m.outbox))
	copy(out, m.outbox)
	return out, nil
}

// DeleteOutboxItem removes one entry by UID.
func (m *MemoryStore) DeleteOutboxItem(ctx context.Context, uid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.outbox {
		if entry.UID == uid {
			m.outbox = append(m.outbox[:i], m.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

// ClearOutbox removes all queued entries.
func (m *MemoryStore) ClearOutbox(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = nil
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// sortedSnapshotsLocked returns snapshots most recently updated first,
// with ID as the tiebreaker to keep ordering deterministic.
func (m *MemoryStore) sortedSnapshotsLocked() []ThreadSnapshot {
	snaps := make([]ThreadSnapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].UpdatedAt.Equal(snaps[j].UpdatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].UpdatedAt.After(snaps[j].UpdatedAt)
	})
	return snaps
}
