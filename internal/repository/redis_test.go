package repository

import (
	"context"
	"testing"
	"time"

	"stocksync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSessionRepository(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	repo := NewRedisSessionRepository(client, time.Hour)
	ctx := context.Background()

	t.Run("SetAndGetSession", func(t *testing.T) {
		session := &models.DeviceSession{
			DeviceID:     "device-1",
			LastSyncAt:   time.Now().Truncate(time.Second),
			LastOutcome:  models.DrainCompleted,
			PendingCount: 3,
		}

		err := repo.SetSession(ctx, session)
		require.NoError(t, err)

		got, err := repo.GetSession(ctx, "device-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, session.DeviceID, got.DeviceID)
		assert.Equal(t, session.LastOutcome, got.LastOutcome)
		assert.Equal(t, session.PendingCount, got.PendingCount)
	})

	t.Run("GetNonExistentSession", func(t *testing.T) {
		got, err := repo.GetSession(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ClearSession", func(t *testing.T) {
		session := &models.DeviceSession{DeviceID: "device-2", LastOutcome: models.DrainCompleted}
		repo.SetSession(ctx, session)

		err := repo.ClearSession(ctx, "device-2")
		require.NoError(t, err)

		got, _ := repo.GetSession(ctx, "device-2")
		assert.Nil(t, got)
	})

	t.Run("RateLimit", func(t *testing.T) {
		key := "sync:device-3"
		limit := 2
		window := time.Second

		allowed, err := repo.CheckRateLimit(ctx, key, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = repo.CheckRateLimit(ctx, key, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = repo.CheckRateLimit(ctx, key, limit, window)
		require.NoError(t, err)
		assert.False(t, allowed)

		// Window expiry resets the counter.
		s.FastForward(2 * time.Second)
		allowed, err = repo.CheckRateLimit(ctx, key, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("NilClient", func(t *testing.T) {
		nilRepo := NewRedisSessionRepository(nil, time.Hour)
		_, err := nilRepo.GetSession(ctx, "device-1")
		assert.Error(t, err)
		assert.Error(t, nilRepo.SetSession(ctx, &models.DeviceSession{DeviceID: "x"}))
	})
}
