// ABOUTME: Store interface and data types for shardgate persistence
// ABOUTME: Defines session checkpoints and shard history records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Checkpoint is the resumable state of one shard's session. A checkpoint is
// only valid for the shard count it was taken under.
type Checkpoint struct {
	ShardID     int
	TotalShards int
	SessionID   string
	Sequence    int64
	ResumeURL   string
	UpdatedAt   time.Time
}

// History kinds recorded for shards.
const (
	HistoryReady       = "ready"
	HistoryResumed     = "resumed"
	HistoryInvalidated = "invalidated"
	HistoryError       = "error"
)

// HistoryEntry is one lifecycle record for a shard.
type HistoryEntry struct {
	ID        int64
	ShardID   int
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Store persists session checkpoints and shard history.
type Store interface {
	// SaveCheckpoint inserts or replaces the checkpoint of cp.ShardID.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	// GetCheckpoint returns ErrNotFound when there is no checkpoint for the
	// shard or it was taken under a different shard count.
	GetCheckpoint(ctx context.Context, shardID, totalShards int) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, shardID int) error

	RecordHistory(ctx context.Context, entry *HistoryEntry) error
	// ListHistory returns the newest entries first. shardID < 0 lists all shards.
	ListHistory(ctx context.Context, shardID, limit int) ([]*HistoryEntry, error)

	Close() error
}
