// ABOUTME: Contract tests for the constraints the checkpoint store relies on.
// ABOUTME: Bad rows must be rejected by SQLite itself, not only by the store code.

package contract

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shardgate/internal/store"
)

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "contract.db"))
	require.NoError(t, err, "failed to create SQLite store")
	t.Cleanup(func() { s.Close() })
	return s
}

func insertSession(db *sql.DB, shardID, totalShards int, sessionID string) error {
	_, err := db.Exec(`
		INSERT INTO shard_sessions (shard_id, total_shards, session_id, sequence, resume_url, updated_at)
		VALUES (?, ?, ?, 0, NULL, ?)`,
		shardID, totalShards, sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func TestShardSessions_ShardRange(t *testing.T) {
	db := openStore(t).DB()

	tests := []struct {
		name    string
		shardID int
		total   int
		wantErr bool
	}{
		{"first of one", 0, 1, false},
		{"last of four", 3, 4, false},
		{"id equals total", 2, 2, true},
		{"id beyond total", 5, 2, true},
		{"negative id", -1, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := insertSession(db, tt.shardID, tt.total, "s")
			if tt.wantErr {
				assert.ErrorContains(t, err, "CHECK constraint failed")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestShardSessions_OneRowPerShard(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	db := s.DB()

	require.NoError(t, insertSession(db, 1, 2, "first"))
	assert.Error(t, insertSession(db, 1, 4, "second"), "a second row for shard 1 must be rejected")

	// Saving a checkpoint for a new topology replaces the old row.
	require.NoError(t, s.SaveCheckpoint(ctx, &store.Checkpoint{ShardID: 1, TotalShards: 4, SessionID: "resharded", Sequence: 9}))

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM shard_sessions WHERE shard_id = 1`).Scan(&rows))
	assert.Equal(t, 1, rows)

	_, err := s.GetCheckpoint(ctx, 1, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
	cp, err := s.GetCheckpoint(ctx, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, "resharded", cp.SessionID)
}

func TestShardHistory_Kind(t *testing.T) {
	db := openStore(t).DB()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, kind := range []string{"ready", "resumed", "invalidated", "error"} {
		_, err := db.Exec(`INSERT INTO shard_history (shard_id, kind, detail, created_at) VALUES (0, ?, NULL, ?)`, kind, now)
		assert.NoError(t, err, kind)
	}

	_, err := db.Exec(`INSERT INTO shard_history (shard_id, kind, detail, created_at) VALUES (0, 'connected', NULL, ?)`, now)
	assert.ErrorContains(t, err, "CHECK constraint failed")
}
