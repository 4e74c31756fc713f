package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"stocksync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDefaults(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "", models.Payload{"name": "Widget", "quantity": 5.0})
	require.NoError(t, db.Enqueue(ctx, op))

	got, err := db.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.DefaultMaxRetries, got.MaxRetries)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, "Widget", got.Payload.GetString("name"))
	assert.Nil(t, got.OriginalPayload)
}

func TestDrainOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Interleave priorities; drain order is priority DESC, created_at ASC.
	for i := 0; i < 6; i++ {
		op := newTestOp(models.EntityProduct, fmt.Sprintf("p%d", i), models.Payload{"n": float64(i)})
		op.Priority = i % 2
		op.CreatedAt = time.Now()
		require.NoError(t, db.Enqueue(ctx, op))
		time.Sleep(2 * time.Millisecond)
	}

	batch, err := db.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 6)

	var lastPriority = batch[0].Priority
	for i, op := range batch {
		assert.LessOrEqual(t, op.Priority, lastPriority, "priority must not increase")
		if i > 0 && op.Priority == batch[i-1].Priority {
			assert.False(t, op.CreatedAt.Before(batch[i-1].CreatedAt), "same priority must drain oldest first")
		}
		lastPriority = op.Priority
	}
}

func TestDequeueBatchMarksProcessing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	require.NoError(t, db.Enqueue(ctx, op))

	batch, err := db.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.StatusProcessing, batch[0].Status)

	// A second dequeue sees nothing.
	batch2, err := db.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch2)
}

func TestDequeueBatchRespectsBackoff(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	require.NoError(t, db.Enqueue(ctx, op))

	batch, err := db.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	future := time.Now().Add(time.Hour)
	terminal, err := db.MarkFailed(ctx, op.ID, "connection refused", &future)
	require.NoError(t, err)
	assert.False(t, terminal)

	batch, err = db.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "entry with future backoff must not drain")

	past := time.Now().Add(-time.Minute)
	_, err = db.db.ExecContext(ctx, `UPDATE sync_queue SET scheduled_at = ? WHERE id = ?`, past, op.ID)
	require.NoError(t, err)

	batch, err = db.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].RetryCount)
}

func TestConcurrentDequeueNoDoublePull(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		op := newTestOp(models.EntityProduct, fmt.Sprintf("p%d", i), models.Payload{"n": float64(i)})
		require.NoError(t, db.Enqueue(ctx, op))
	}

	const drains = 8
	results := make(chan []models.QueuedOperation, drains)
	for i := 0; i < drains; i++ {
		go func() {
			batch, err := db.DequeueBatch(ctx, 10)
			if err != nil {
				results <- nil
				return
			}
			results <- batch
		}()
	}

	seen := make(map[string]int)
	pulled := 0
	for i := 0; i < drains; i++ {
		for _, op := range <-results {
			seen[op.ID]++
			pulled++
		}
	}

	assert.Equal(t, total, pulled)
	for id, n := range seen {
		assert.Equal(t, 1, n, "operation %s pulled more than once", id)
	}
}

func TestMarkFailedExhaustsRetries(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	op.MaxRetries = 2
	require.NoError(t, db.Enqueue(ctx, op))

	// First failure: back to pending.
	_, err := db.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	past := time.Now().Add(-time.Second)
	terminal, err := db.MarkFailed(ctx, op.ID, "timeout", &past)
	require.NoError(t, err)
	assert.False(t, terminal)

	got, err := db.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "timeout", *got.LastError)

	// Second failure exhausts the budget.
	_, err = db.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	terminal, err = db.MarkFailed(ctx, op.ID, "timeout again", &past)
	require.NoError(t, err)
	assert.True(t, terminal)

	got, err = db.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestMarkFailedPermanent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"quantity": "not-a-number"})
	require.NoError(t, db.Enqueue(ctx, op))

	_, err := db.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, db.MarkFailedPermanent(ctx, op.ID, "quantity must be numeric"))

	got, err := db.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, got.MaxRetries, got.RetryCount)
}

func TestConflictLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	require.NoError(t, db.Enqueue(ctx, op))

	_, err := db.DequeueBatch(ctx, 1)
	require.NoError(t, err)

	serverState := models.Payload{"name": "B", "version": 4.0}
	require.NoError(t, db.MarkConflict(ctx, op.ID, serverState))

	got, err := db.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflict, got.Status)
	assert.Equal(t, "B", got.ServerState.GetString("name"))

	n, err := db.Size(ctx, models.StatusConflict)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.MarkResolved(ctx, op.ID, models.StrategyServerWins))

	got, err = db.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.ConflictStrategy)
	assert.Equal(t, models.StrategyServerWins, *got.ConflictStrategy)
}

func TestInvalidTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	require.NoError(t, db.Enqueue(ctx, op))

	// Pending entries cannot be completed or conflicted directly.
	assert.ErrorIs(t, db.MarkCompleted(ctx, op.ID), ErrInvalidTransition)
	assert.ErrorIs(t, db.MarkConflict(ctx, op.ID, nil), ErrInvalidTransition)
	assert.ErrorIs(t, db.MarkResolved(ctx, op.ID, models.StrategyMerge), ErrInvalidTransition)

	_, err := db.Get(ctx, "missing-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueCapacity(t *testing.T) {
	logger := zerolog.Nop()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	db, err := NewDB(dbPath, "device-test", 3, &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		op := newTestOp(models.EntityProduct, fmt.Sprintf("p%d", i), models.Payload{"n": float64(i)})
		require.NoError(t, db.Enqueue(ctx, op))
	}

	overflow := newTestOp(models.EntityProduct, "p-overflow", models.Payload{"n": 99.0})
	err = db.Enqueue(ctx, overflow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))

	// Nothing was evicted.
	n, err := db.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Completing an entry frees capacity.
	batch, err := db.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, db.MarkCompleted(ctx, batch[0].ID))
	require.NoError(t, db.Enqueue(ctx, overflow))
}

func TestPurgeExpired(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	completed := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	failed := newTestOp(models.EntityProduct, "p2", models.Payload{"name": "B"})
	failed.MaxRetries = 1
	require.NoError(t, db.Enqueue(ctx, completed))
	require.NoError(t, db.Enqueue(ctx, failed))

	batch, err := db.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, db.MarkCompleted(ctx, completed.ID))
	terminal, err := db.MarkFailed(ctx, failed.ID, "boom", nil)
	require.NoError(t, err)
	require.True(t, terminal)

	// Age both entries past the window.
	old := time.Now().Add(-48 * time.Hour)
	_, err = db.db.ExecContext(ctx, `UPDATE sync_queue SET processed_at = ?`, old)
	require.NoError(t, err)

	purged, err := db.PurgeExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	// The failed entry survives for manual review.
	_, err = db.Get(ctx, completed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := db.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestCountsAndList(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		op := newTestOp(models.EntityInventoryCount, fmt.Sprintf("c%d", i), models.Payload{"quantity": float64(i)})
		require.NoError(t, db.Enqueue(ctx, op))
	}

	counts, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.StatusPending])

	ops, err := db.ListByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Len(t, ops, 3)

	ops, err = db.ListByStatus(ctx, models.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDelete(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	require.NoError(t, db.Enqueue(ctx, op))
	require.NoError(t, db.Delete(ctx, op.ID))
	assert.ErrorIs(t, db.Delete(ctx, op.ID), ErrNotFound)
}

func TestMaintenancePurges(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	op := newTestOp(models.EntityProduct, "p1", models.Payload{"name": "A"})
	require.NoError(t, db.Enqueue(ctx, op))
	batch, err := db.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, db.MarkCompleted(ctx, batch[0].ID))

	old := time.Now().Add(-48 * time.Hour)
	_, err = db.db.ExecContext(ctx, `UPDATE sync_queue SET processed_at = ?`, old)
	require.NoError(t, err)

	logger := zerolog.Nop()
	svc := NewMaintenanceService(db, time.Hour, 24*time.Hour, &logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		svc.Start(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, err := db.Size(runCtx, "")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
