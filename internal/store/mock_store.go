// ABOUTME: In-memory Store implementation
// ABOUTME: Used by tests and when no database path is configured

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[int]*Checkpoint // keyed by shard ID
	history     []*HistoryEntry     // oldest first
	nextID      int64
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[int]*Checkpoint),
	}
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	// Make a copy to avoid external modification
	c := *cp
	m.checkpoints[c.ShardID] = &c
	return nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, shardID, totalShards int) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[shardID]
	if !ok || cp.TotalShards != totalShards {
		return nil, ErrNotFound
	}
	c := *cp
	return &c, nil
}

func (m *MemoryStore) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

func (m *MemoryStore) DeleteCheckpoint(ctx context.Context, shardID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, shardID)
	return nil
}

func (m *MemoryStore) RecordHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry.ID = m.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	e := *entry
	m.history = append(m.history, &e)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, shardID, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*HistoryEntry
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.history[i]
		if shardID >= 0 && e.ShardID != shardID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
