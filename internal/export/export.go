package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"stocksync/internal/database"
	"stocksync/internal/models"
)

// Exporter builds the review workbook: one sheet of failed operations and
// one of unresolved conflicts, for back-office triage.
type Exporter struct {
	db     *database.DB
	dir    string
	logger zerolog.Logger
}

func New(db *database.DB, dir string, logger *zerolog.Logger) *Exporter {
	return &Exporter{
		db:     db,
		dir:    dir,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// BuildReviewWorkbook assembles the workbook in memory. The caller owns
// closing the returned file.
func (e *Exporter) BuildReviewWorkbook(ctx context.Context) (*excelize.File, error) {
	f := excelize.NewFile()

	failed, err := e.db.ListByStatus(ctx, models.StatusFailed)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to list failed operations: %w", err)
	}
	conflicts, err := e.db.ListByStatus(ctx, models.StatusConflict)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	if err := e.writeSheet(f, "Failed", failed, false); err != nil {
		f.Close()
		return nil, err
	}
	if err := e.writeSheet(f, "Conflicts", conflicts, true); err != nil {
		f.Close()
		return nil, err
	}

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

// SaveReview writes a timestamped workbook into the export directory and
// returns its path.
func (e *Exporter) SaveReview(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := e.BuildReviewWorkbook(ctx)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fileName := fmt.Sprintf("queue_review_%s.xlsx", time.Now().Format("2006-01-02_150405"))
	filePath := filepath.Join(e.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Msg("Review workbook created")
	return filePath, nil
}

func (e *Exporter) writeSheet(f *excelize.File, sheetName string, ops []models.QueuedOperation, withServerState bool) error {
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"ID", "Operation", "Entity Type", "Entity ID", "Priority", "Retries", "Last Error", "Created At"}
	if withServerState {
		headers = append(headers, "Local Payload", "Server State")
	} else {
		headers = append(headers, "Payload")
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for row, op := range ops {
		lastError := ""
		if op.LastError != nil {
			lastError = *op.LastError
		}
		payload, _ := op.Payload.Encode()

		values := []any{
			op.ID, op.OperationType, op.EntityType, op.EntityID,
			op.Priority, op.RetryCount, lastError, op.CreatedAt.Format(time.RFC3339),
		}
		if withServerState {
			serverState, _ := op.ServerState.Encode()
			values = append(values, payload, serverState)
		} else {
			values = append(values, payload)
		}

		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "H", 16)
	_ = f.SetColWidth(sheetName, "I", "J", 48)

	return nil
}
