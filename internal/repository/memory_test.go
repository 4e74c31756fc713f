package repository

import (
	"context"
	"testing"
	"time"

	"stocksync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionRepository(t *testing.T) {
	repo := NewMemorySessionRepository(time.Hour)
	ctx := context.Background()

	t.Run("SetAndGetSession", func(t *testing.T) {
		session := &models.DeviceSession{DeviceID: "device-1", LastOutcome: models.DrainCompleted, PendingCount: 2}
		require.NoError(t, repo.SetSession(ctx, session))

		got, err := repo.GetSession(ctx, "device-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.PendingCount)
	})

	t.Run("GetNonExistentSession", func(t *testing.T) {
		got, err := repo.GetSession(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ClearSession", func(t *testing.T) {
		repo.SetSession(ctx, &models.DeviceSession{DeviceID: "device-2"})
		require.NoError(t, repo.ClearSession(ctx, "device-2"))

		got, _ := repo.GetSession(ctx, "device-2")
		assert.Nil(t, got)
	})

	t.Run("RateLimit", func(t *testing.T) {
		allowed, err := repo.CheckRateLimit(ctx, "k", 1, 100*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = repo.CheckRateLimit(ctx, "k", 1, 100*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, allowed)

		time.Sleep(110 * time.Millisecond)
		allowed, err = repo.CheckRateLimit(ctx, "k", 1, 100*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}
