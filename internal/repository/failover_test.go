package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"stocksync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) GetSession(ctx context.Context, deviceID string) (*models.DeviceSession, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DeviceSession), args.Error(1)
}

func (m *mockRepo) SetSession(ctx context.Context, session *models.DeviceSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockRepo) ClearSession(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}

func (m *mockRepo) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func TestFailoverSessionRepository(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	t.Run("PrimaryHealthy", func(t *testing.T) {
		primary := new(mockRepo)
		fallback := new(mockRepo)
		repo := NewFailoverSessionRepository(primary, fallback, &logger)

		session := &models.DeviceSession{DeviceID: "device-1"}
		primary.On("GetSession", ctx, "device-1").Return(session, nil)

		got, err := repo.GetSession(ctx, "device-1")
		assert.NoError(t, err)
		assert.Equal(t, session, got)
		fallback.AssertNotCalled(t, "GetSession", mock.Anything, mock.Anything)
	})

	t.Run("FallsBackOnPrimaryError", func(t *testing.T) {
		primary := new(mockRepo)
		fallback := new(mockRepo)
		repo := NewFailoverSessionRepository(primary, fallback, &logger)

		session := &models.DeviceSession{DeviceID: "device-1"}
		primary.On("GetSession", ctx, "device-1").Return(nil, errors.New("redis down"))
		fallback.On("GetSession", ctx, "device-1").Return(session, nil)

		got, err := repo.GetSession(ctx, "device-1")
		assert.NoError(t, err)
		assert.Equal(t, session, got)
	})

	t.Run("StaysOnFallbackWhileDown", func(t *testing.T) {
		primary := new(mockRepo)
		fallback := new(mockRepo)
		repo := NewFailoverSessionRepository(primary, fallback, &logger)

		primary.On("SetSession", ctx, mock.Anything).Return(errors.New("redis down")).Once()
		fallback.On("SetSession", ctx, mock.Anything).Return(nil)

		assert.NoError(t, repo.SetSession(ctx, &models.DeviceSession{DeviceID: "device-1"}))
		// Second write goes straight to the fallback without touching the
		// primary again.
		assert.NoError(t, repo.SetSession(ctx, &models.DeviceSession{DeviceID: "device-1"}))
		primary.AssertNumberOfCalls(t, "SetSession", 1)
		fallback.AssertNumberOfCalls(t, "SetSession", 2)
	})

	t.Run("RateLimitFallsBack", func(t *testing.T) {
		primary := new(mockRepo)
		fallback := new(mockRepo)
		repo := NewFailoverSessionRepository(primary, fallback, &logger)

		primary.On("CheckRateLimit", ctx, "k", 5, time.Second).Return(false, errors.New("redis down"))
		fallback.On("CheckRateLimit", ctx, "k", 5, time.Second).Return(true, nil)

		allowed, err := repo.CheckRateLimit(ctx, "k", 5, time.Second)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})
}
