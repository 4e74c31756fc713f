package export

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"stocksync/internal/database"
	"stocksync/internal/models"
)

func setupExporter(t *testing.T) (*Exporter, *database.DB) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"), "device-1", 100, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, t.TempDir(), &logger), db
}

func seedReviewEntries(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()

	failedOp := models.QueuedOperation{
		ID:            "op-failed",
		DeviceID:      "device-1",
		OperationType: models.OpUpdate,
		EntityType:    models.EntityProduct,
		EntityID:      "p1",
		Payload:       models.Payload{"name": "Widget"},
		MaxRetries:    1,
	}
	require.NoError(t, db.Enqueue(ctx, &failedOp))

	conflictOp := models.QueuedOperation{
		ID:            "op-conflict",
		DeviceID:      "device-1",
		OperationType: models.OpUpdate,
		EntityType:    models.EntityInventoryCount,
		EntityID:      "c1",
		Payload:       models.Payload{"quantity": float64(5)},
	}
	require.NoError(t, db.Enqueue(ctx, &conflictOp))

	ops, err := db.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	_, err = db.MarkFailed(ctx, "op-failed", "boom", nil)
	require.NoError(t, err)
	require.NoError(t, db.MarkConflict(ctx, "op-conflict", models.Payload{"quantity": float64(7)}))
}

func TestBuildReviewWorkbook(t *testing.T) {
	exporter, db := setupExporter(t)
	seedReviewEntries(t, db)

	f, err := exporter.BuildReviewWorkbook(context.Background())
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{"Failed", "Conflicts"}, f.GetSheetList())

	failedID, err := f.GetCellValue("Failed", "A2")
	require.NoError(t, err)
	assert.Equal(t, "op-failed", failedID)

	lastError, err := f.GetCellValue("Failed", "G2")
	require.NoError(t, err)
	assert.Equal(t, "boom", lastError)

	conflictID, err := f.GetCellValue("Conflicts", "A2")
	require.NoError(t, err)
	assert.Equal(t, "op-conflict", conflictID)

	serverState, err := f.GetCellValue("Conflicts", "J2")
	require.NoError(t, err)
	assert.Contains(t, serverState, "7")
}

func TestSaveReview(t *testing.T) {
	exporter, db := setupExporter(t)
	seedReviewEntries(t, db)

	path, err := exporter.SaveReview(context.Background())
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "queue_review_")

	opened, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer opened.Close()
	assert.Contains(t, opened.GetSheetList(), "Failed")
}

func TestEmptyWorkbook(t *testing.T) {
	exporter, _ := setupExporter(t)

	f, err := exporter.BuildReviewWorkbook(context.Background())
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue("Failed", "A1")
	require.NoError(t, err)
	assert.Equal(t, "ID", header)
}
