// ABOUTME: Thread-safe TTL cache of guild payloads held in process memory.
// ABOUTME: Size-limited with oldest-first eviction and periodic expiry cleanup.

package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// memoryEntry stores a payload with its write time and list element.
type memoryEntry struct {
	data      json.RawMessage
	timestamp time.Time
	element   *list.Element
}

// Memory is a GuildCache kept in process. A zero TTL never expires entries;
// a zero maxSize never evicts. Uses a doubly-linked list to maintain write
// order for O(1) eviction.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	order   *list.List // guild ids, least recently written at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewMemory creates a memory cache. When ttl is set a background goroutine
// periodically removes expired entries.
func NewMemory(ttl time.Duration, maxSize int) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go m.cleanup(cleanupInterval(ttl))
	}
	return m
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

func (m *Memory) Get(_ context.Context, guildID string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[guildID]
	if !ok || m.expired(entry, time.Now()) {
		return nil, false, nil
	}
	return entry.data, true, nil
}

// Set stores data, replacing any previous payload. If the cache is at
// capacity, the oldest entry is evicted to make room.
func (m *Memory) Set(_ context.Context, guildID string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if entry, exists := m.entries[guildID]; exists {
		entry.data = data
		entry.timestamp = now
		m.order.MoveToBack(entry.element)
		return nil
	}

	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.evictOldest()
	}

	elem := m.order.PushBack(guildID)
	m.entries[guildID] = &memoryEntry{data: data, timestamp: now, element: elem}
	return nil
}

func (m *Memory) Delete(_ context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[guildID]; ok {
		m.order.Remove(entry.element)
		delete(m.entries, guildID)
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) expired(entry *memoryEntry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(entry.timestamp) >= m.ttl
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (m *Memory) evictOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}
	guildID, _ := front.Value.(string)
	m.order.Remove(front)
	delete(m.entries, guildID)
}

func (m *Memory) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for guildID, entry := range m.entries {
		if m.expired(entry, now) {
			m.order.Remove(entry.element)
			delete(m.entries, guildID)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}
