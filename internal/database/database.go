package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"stocksync/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the local durable queue store. Writes are serialized by writeMu (the
// single-writer guarantee over the queue): a concurrent drain trigger and a
// retry timer firing together cannot pull the same entry twice, and a
// capacity check cannot race an insert.
type DB struct {
	db       *sql.DB
	writeMu  sync.Mutex
	maxSize  int
	deviceID string
	logger   *zerolog.Logger
}

func NewDB(path, deviceID string, maxSize int, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	handle, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := handle.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(handle); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if maxSize <= 0 {
		maxSize = models.DefaultMaxQueueSize
	}

	db := &DB{db: handle, maxSize: maxSize, deviceID: deviceID, logger: logger}

	// Entries left processing by a killed process belong to no live drain;
	// a single active drain per device makes re-queueing them safe.
	recovered, err := db.recoverProcessing(context.Background())
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logger.Warn().Int64("recovered", recovered).Msg("re-queued operations left processing by previous run")
	}

	logger.Info().Str("path", path).Int("max_queue_size", maxSize).Msg("sync queue store initialized")
	return db, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id TEXT PRIMARY KEY,
            device_id TEXT NOT NULL,
            operation_type TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            entity_id TEXT,
            payload TEXT NOT NULL,
            original_payload TEXT,
            server_state TEXT,
            priority INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 5,
            last_error TEXT,
            conflict_strategy TEXT,
            created_at DATETIME NOT NULL,
            scheduled_at DATETIME,
            processed_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_drain_order ON sync_queue(status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) recoverProcessing(ctx context.Context) (int64, error) {
	result, err := db.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE status = ?`,
		models.StatusPending, models.StatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover processing entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered entries: %w", err)
	}
	return n, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}
