package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stocksync/internal/models"
)

const queueColumns = `id, device_id, operation_type, entity_type, entity_id, payload, original_payload,
              server_state, priority, status, retry_count, max_retries, last_error, conflict_strategy,
              created_at, scheduled_at, processed_at`

// Enqueue persists a new operation with status pending. The caller provides
// id, device, type, payloads and priority; Enqueue stamps created_at and
// defaults. Returns ErrQueueFull when the live-entry cap is reached.
func (db *DB) Enqueue(ctx context.Context, op *models.QueuedOperation) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	payload, err := op.Payload.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	original, err := op.OriginalPayload.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode original payload: %w", err)
	}

	if op.MaxRetries <= 0 {
		op.MaxRetries = models.DefaultMaxRetries
	}
	op.Status = models.StatusPending
	op.CreatedAt = time.Now()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Completed entries await purge and do not count against capacity.
	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status != ?`, models.StatusCompleted,
	).Scan(&live)
	if err != nil {
		return fmt.Errorf("failed to count live entries: %w", err)
	}
	if live >= db.maxSize {
		return ErrQueueFull
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_queue (id, device_id, operation_type, entity_type, entity_id, payload,
             original_payload, priority, status, retry_count, max_retries, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.DeviceID, op.OperationType, op.EntityType, nullable(op.EntityID),
		payload, nullable(original), op.Priority, op.Status, op.RetryCount, op.MaxRetries, op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return nil
}

// DequeueBatch returns up to maxItems pending entries in drain order
// (priority DESC, created_at ASC) whose retry backoff has elapsed, marking
// them processing in the same transaction so a concurrent drain trigger
// cannot pull the same entry twice.
func (db *DB) DequeueBatch(ctx context.Context, maxItems int) ([]models.QueuedOperation, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+queueColumns+`
         FROM sync_queue
         WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
         ORDER BY priority DESC, created_at ASC
         LIMIT ?`,
		models.StatusPending, time.Now(), maxItems,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending operations: %w", err)
	}

	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]any, 0, len(ops))
	placeholders := make([]string, 0, len(ops))
	for i := range ops {
		ids = append(ids, ops[i].ID)
		placeholders = append(placeholders, "?")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		append([]any{models.StatusProcessing}, ids...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark batch processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	for i := range ops {
		ops[i].Status = models.StatusProcessing
	}
	return ops, nil
}

// MarkCompleted transitions a processing entry to completed.
func (db *DB) MarkCompleted(ctx context.Context, id string) error {
	return db.transition(ctx,
		`UPDATE sync_queue SET status = ?, processed_at = ?, last_error = NULL, scheduled_at = NULL
         WHERE id = ? AND status = ?`,
		models.StatusCompleted, time.Now(), id, models.StatusProcessing,
	)
}

// MarkFailed records a transient failure: the retry counter is incremented
// and the entry returns to pending with its backoff deadline, unless retries
// are exhausted, in which case it becomes terminally failed. Returns true
// when the failure was terminal.
func (db *DB) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) (bool, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	op, err := db.Get(ctx, id)
	if err != nil {
		return false, err
	}

	if op.RetryCount+1 >= op.MaxRetries {
		err = db.transitionLocked(ctx,
			`UPDATE sync_queue SET status = ?, retry_count = retry_count + 1, last_error = ?,
                 scheduled_at = NULL, processed_at = ?
             WHERE id = ? AND status = ?`,
			models.StatusFailed, errMsg, time.Now(), id, models.StatusProcessing,
		)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	err = db.transitionLocked(ctx,
		`UPDATE sync_queue SET status = ?, retry_count = retry_count + 1, last_error = ?, scheduled_at = ?
         WHERE id = ? AND status = ?`,
		models.StatusPending, errMsg, nextRetryAt, id, models.StatusProcessing,
	)
	if err != nil {
		return false, err
	}
	return false, nil
}

// MarkFailedPermanent records a validation failure: the payload itself is
// invalid, so the retry budget is spent in one step and the entry is failed
// terminally for user correction.
func (db *DB) MarkFailedPermanent(ctx context.Context, id, errMsg string) error {
	return db.transition(ctx,
		`UPDATE sync_queue SET status = ?, retry_count = max_retries, last_error = ?,
             scheduled_at = NULL, processed_at = ?
         WHERE id = ? AND status = ?`,
		models.StatusFailed, errMsg, time.Now(), id, models.StatusProcessing,
	)
}

// MarkConflict transitions a processing entry to conflict, storing the
// server's current state for the resolver and the review screen.
func (db *DB) MarkConflict(ctx context.Context, id string, serverState models.Payload) error {
	encoded, err := serverState.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode server state: %w", err)
	}
	return db.transition(ctx,
		`UPDATE sync_queue SET status = ?, server_state = ?, scheduled_at = NULL
         WHERE id = ? AND status = ?`,
		models.StatusConflict, nullable(encoded), id, models.StatusProcessing,
	)
}

// UpdateServerState refreshes the stored server snapshot of a conflicted
// entry (the server moved again between resolution attempts).
func (db *DB) UpdateServerState(ctx context.Context, id string, serverState models.Payload) error {
	encoded, err := serverState.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode server state: %w", err)
	}
	return db.transition(ctx,
		`UPDATE sync_queue SET server_state = ? WHERE id = ? AND status = ?`,
		nullable(encoded), id, models.StatusConflict,
	)
}

// MarkResolved completes a conflicted entry, recording which strategy
// settled it.
func (db *DB) MarkResolved(ctx context.Context, id, strategy string) error {
	return db.transition(ctx,
		`UPDATE sync_queue SET status = ?, conflict_strategy = ?, processed_at = ?, last_error = NULL
         WHERE id = ? AND status = ?`,
		models.StatusCompleted, strategy, time.Now(), id, models.StatusConflict,
	)
}

// Get returns a single operation by id.
func (db *DB) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id,
	)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// Size returns the number of entries with the given status, or all entries
// when status is empty.
func (db *DB) Size(ctx context.Context, status string) (int, error) {
	var (
		count int
		err   error
	)
	if status == "" {
		err = db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count)
	} else {
		err = db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`, status).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return count, nil
}

// Counts returns entry counts grouped by status for the UI indicator.
func (db *DB) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListByStatus returns entries with the given status in drain order.
func (db *DB) ListByStatus(ctx context.Context, status string) ([]models.QueuedOperation, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+queueColumns+`
         FROM sync_queue WHERE status = ?
         ORDER BY priority DESC, created_at ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return scanOperations(rows)
}

// PurgeExpired removes completed entries older than maxAge. Failed and
// conflicted entries are never auto-purged; they wait for explicit action.
func (db *DB) PurgeExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	result, err := db.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ? AND processed_at IS NOT NULL AND processed_at < ?`,
		models.StatusCompleted, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}
	return n, nil
}

// Delete removes a single entry regardless of status. Used by the manual
// review flow when the user discards a failed operation explicitly.
func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check deleted rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) transition(ctx context.Context, query string, args ...any) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.transitionLocked(ctx, query, args...)
}

// transitionLocked assumes the caller holds writeMu.
func (db *DB) transitionLocked(ctx context.Context, query string, args ...any) error {
	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update operation status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var (
		op               models.QueuedOperation
		entityID         sql.NullString
		payload          string
		originalPayload  sql.NullString
		serverState      sql.NullString
		lastError        sql.NullString
		conflictStrategy sql.NullString
		scheduledAt      sql.NullTime
		processedAt      sql.NullTime
	)

	err := row.Scan(
		&op.ID, &op.DeviceID, &op.OperationType, &op.EntityType, &entityID,
		&payload, &originalPayload, &serverState, &op.Priority, &op.Status,
		&op.RetryCount, &op.MaxRetries, &lastError, &conflictStrategy,
		&op.CreatedAt, &scheduledAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	op.EntityID = entityID.String
	if lastError.Valid {
		op.LastError = &lastError.String
	}
	if conflictStrategy.Valid {
		op.ConflictStrategy = &conflictStrategy.String
	}
	if scheduledAt.Valid {
		op.ScheduledAt = &scheduledAt.Time
	}
	if processedAt.Valid {
		op.ProcessedAt = &processedAt.Time
	}

	if op.Payload, err = models.DecodePayload(payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if op.OriginalPayload, err = models.DecodePayload(originalPayload.String); err != nil {
		return nil, fmt.Errorf("failed to decode original payload: %w", err)
	}
	if op.ServerState, err = models.DecodePayload(serverState.String); err != nil {
		return nil, fmt.Errorf("failed to decode server state: %w", err)
	}

	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]models.QueuedOperation, error) {
	defer rows.Close()

	var ops []models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}
