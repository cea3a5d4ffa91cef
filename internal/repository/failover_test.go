package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Push(ctx context.Context, id string, priority models.Priority, at time.Time) error {
	args := m.Called(ctx, id, priority, at)
	return args.Error(0)
}

func (m *mockQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockQueue) Remove(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockQueue) Len(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestFailoverQueue(t *testing.T) {
	primary := new(mockQueue)
	fallback := NewMemoryQueue()
	logger := zerolog.New(io.Discard)
	q := NewFailoverQueue(primary, fallback, &logger)
	ctx := context.Background()
	now := time.Now()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Push", ctx, "a", models.PriorityHigh, now).Return(nil).Once()

		require.NoError(t, q.Push(ctx, "a", models.PriorityHigh, now))
		assert.False(t, q.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Push", ctx, "b", models.PriorityNormal, now).Return(errors.New("conn refused")).Once()

		require.NoError(t, q.Push(ctx, "b", models.PriorityNormal, now))
		assert.True(t, q.Degraded())
		n, _ := fallback.Len(ctx)
		assert.Equal(t, int64(1), n)
		primary.AssertExpectations(t)
	})

	t.Run("AlreadyDownSkipsPrimary", func(t *testing.T) {
		require.NoError(t, q.Push(ctx, "c", models.PriorityLow, now))
		n, _ := fallback.Len(ctx)
		assert.Equal(t, int64(2), n)
		primary.AssertNotCalled(t, "Push", ctx, "c", models.PriorityLow, now)
	})

	t.Run("PopDrainsFallbackFirst", func(t *testing.T) {
		ids, err := q.PopDue(ctx, now, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		q.state.lastCheck = time.Now().Add(-2 * time.Minute)
		primary.On("PopDue", ctx, now, 5).Return([]string{"a"}, nil).Once()

		ids, err := q.PopDue(ctx, now, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids)
		assert.False(t, q.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("LenSumsBoth", func(t *testing.T) {
		require.NoError(t, fallback.Push(ctx, "d", models.PriorityNormal, now))
		primary.On("Len", ctx).Return(int64(3), nil).Once()

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})

	t.Run("RemoveBoth", func(t *testing.T) {
		primary.On("Remove", ctx, "d").Return(nil).Once()

		require.NoError(t, q.Remove(ctx, "d"))
		n, _ := fallback.Len(ctx)
		assert.Zero(t, n)
		primary.AssertExpectations(t)
	})
}

type mapRateLimits struct {
	recs map[string]*models.RateLimitRecord
	err  error
}

func (m *mapRateLimits) GetRateLimit(_ context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.recs[key.String()]
	if !ok {
		return nil, syncerr.New(syncerr.ErrNotFound, "get rate limit", key.String())
	}
	return rec, nil
}

func (m *mapRateLimits) SaveRateLimit(_ context.Context, rec *models.RateLimitRecord) error {
	if m.err != nil {
		return m.err
	}
	m.recs[rec.Key().String()] = rec
	return nil
}

func TestFailoverRateLimitStore(t *testing.T) {
	primary := &mapRateLimits{recs: map[string]*models.RateLimitRecord{}}
	fallback := &mapRateLimits{recs: map[string]*models.RateLimitRecord{}}
	store := NewFailoverRateLimitStore(primary, fallback, nil)
	ctx := context.Background()
	key := models.RateLimitKey{Provider: "sage", Endpoint: "contacts"}

	t.Run("NotFoundIsNotAnOutage", func(t *testing.T) {
		_, err := store.GetRateLimit(ctx, key)
		assert.ErrorIs(t, err, syncerr.ErrNotFound)
		assert.False(t, store.state.isDown.Load())
	})

	t.Run("SaveWritesThrough", func(t *testing.T) {
		rec := &models.RateLimitRecord{Provider: "sage", Endpoint: "contacts", Limit: 10, Remaining: 4}
		require.NoError(t, store.SaveRateLimit(ctx, rec))
		assert.Contains(t, primary.recs, key.String())
		assert.Contains(t, fallback.recs, key.String())
	})

	t.Run("PrimaryDown", func(t *testing.T) {
		primary.err = errors.New("redis down")
		got, err := store.GetRateLimit(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 4, got.Remaining)
		assert.True(t, store.state.isDown.Load())
	})
}
