package repository

import (
	"context"
	"sync"
	"time"

	"stocksync/internal/models"
)

type MemorySessionRepository struct {
	sessions   sync.Map
	rateLimits sync.Map
	ttl        time.Duration
}

func NewMemorySessionRepository(ttl time.Duration) *MemorySessionRepository {
	return &MemorySessionRepository{
		ttl: ttl,
	}
}

func (r *MemorySessionRepository) GetSession(ctx context.Context, deviceID string) (*models.DeviceSession, error) {
	val, ok := r.sessions.Load(deviceID)
	if !ok {
		return nil, nil
	}
	return val.(*models.DeviceSession), nil
}

func (r *MemorySessionRepository) SetSession(ctx context.Context, session *models.DeviceSession) error {
	r.sessions.Store(session.DeviceID, session)
	return nil
}

func (r *MemorySessionRepository) ClearSession(ctx context.Context, deviceID string) error {
	r.sessions.Delete(deviceID)
	return nil
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func (r *MemorySessionRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	val, ok := r.rateLimits.Load(key)

	var entry *rateLimitEntry
	if !ok {
		entry = &rateLimitEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
	} else {
		entry = val.(*rateLimitEntry)
		if now.After(entry.expiresAt) {
			entry.count = 1
			entry.expiresAt = now.Add(window)
		} else {
			entry.count++
		}
	}

	r.rateLimits.Store(key, entry)
	return entry.count <= limit, nil
}
