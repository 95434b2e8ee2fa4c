// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Uses modernc.org/sqlite by default, mattn/go-sqlite3 when built with cgo and selected

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStoreWithDriver.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure
// Go driver. The schema is created if it doesn't exist and parent
// directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver opens the store with a specific database/sql driver.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCgo:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS shard_sessions (
			shard_id     INTEGER PRIMARY KEY,
			total_shards INTEGER NOT NULL,
			session_id   TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (shard_id >= 0),
			CHECK (total_shards > shard_id)
		);

		CREATE TABLE IF NOT EXISTS shard_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			shard_id   INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			detail     TEXT,
			created_at TEXT NOT NULL,

			CHECK (kind IN ('ready', 'resumed', 'invalidated', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_shard_history_shard ON shard_history(shard_id, id DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations brings the base schema up to date. New and existing
// databases both pass through it. These are idempotent - safe to run
// multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('shard_sessions') WHERE name = 'resume_url'`,
			apply:  `ALTER TABLE shard_sessions ADD COLUMN resume_url TEXT`,
			table:  "shard_sessions",
			column: "resume_url",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// DB exposes the connection for schema inspection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	query := `
		INSERT INTO shard_sessions (shard_id, total_shards, session_id, sequence, resume_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			total_shards = excluded.total_shards,
			session_id = excluded.session_id,
			sequence = excluded.sequence,
			resume_url = excluded.resume_url,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		cp.ShardID,
		cp.TotalShards,
		cp.SessionID,
		cp.Sequence,
		nullString(cp.ResumeURL),
		cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for shard %d: %w", cp.ShardID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, shardID, totalShards int) (*Checkpoint, error) {
	query := `
		SELECT shard_id, total_shards, session_id, sequence, resume_url, updated_at
		FROM shard_sessions
		WHERE shard_id = ? AND total_shards = ?
	`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, shardID, totalShards))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	query := `
		SELECT shard_id, total_shards, session_id, sequence, resume_url, updated_at
		FROM shard_sessions
		ORDER BY shard_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, shardID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shard_sessions WHERE shard_id = ?`, shardID); err != nil {
		return fmt.Errorf("deleting checkpoint for shard %d: %w", shardID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordHistory(ctx context.Context, entry *HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO shard_history (shard_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		entry.ShardID,
		entry.Kind,
		nullString(entry.Detail),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, shardID, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, shard_id, kind, detail, created_at
		FROM shard_history
		WHERE (? < 0 OR shard_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, shardID, shardID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var (
			e         HistoryEntry
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ShardID, &e.Kind, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.Detail = detail.String
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		resumeURL sql.NullString
		updatedAt string
	)
	if err := row.Scan(&cp.ShardID, &cp.TotalShards, &cp.SessionID, &cp.Sequence, &resumeURL, &updatedAt); err != nil {
		return nil, err
	}
	cp.ResumeURL = resumeURL.String
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	cp.UpdatedAt = t
	return &cp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
