package repository

import (
	"context"
	"time"

	"stocksync/internal/models"
)

// SessionRepository stores per-device sync session state and backs the
// status API's rate limiting.
type SessionRepository interface {
	GetSession(ctx context.Context, deviceID string) (*models.DeviceSession, error)
	SetSession(ctx context.Context, session *models.DeviceSession) error
	ClearSession(ctx context.Context, deviceID string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
