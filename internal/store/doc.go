// Package store persists shard session checkpoints and lifecycle history.
//
// # Checkpoints
//
// A checkpoint records the session id, last sequence and resume URL of one
// shard. The cluster writes one whenever a session starts or resumes, on a
// timer while shards run, and on a graceful shutdown. On the next start the
// cluster seeds each shard from its checkpoint so the process resumes its
// sessions instead of identifying again. A checkpoint is tied to the shard
// count it was taken under; GetCheckpoint ignores checkpoints from another
// topology.
//
// # Implementations
//
//   - SQLiteStore: database/sql over modernc.org/sqlite ("sqlite") or
//     github.com/mattn/go-sqlite3 ("sqlite3", requires cgo)
//   - MemoryStore: process memory, for tests and stateless deployments
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/shardgate/sessions.db")
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	cp, err := s.GetCheckpoint(ctx, shardID, totalShards)
//	if errors.Is(err, store.ErrNotFound) {
//		// identify
//	}
package store
