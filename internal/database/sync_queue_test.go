package database

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string, scheduled time.Time) *models.QueueJob {
	return &models.QueueJob{
		ID:          id,
		Provider:    "xero",
		TenantID:    "t1",
		Operation:   models.OpList,
		EntityType:  models.EntityCustomer,
		Args:        json.RawMessage(`{"page_size":10}`),
		Status:      models.JobPending,
		Priority:    models.PriorityNormal,
		MaxRetries:  2,
		ScheduledAt: scheduled,
	}
}

func TestQueueJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.CreateJob(ctx, newJob("due", now.Add(-time.Second))))
	require.NoError(t, db.CreateJob(ctx, newJob("later", now.Add(time.Hour))))

	t.Run("DueJobs", func(t *testing.T) {
		due, err := db.DueJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "due", due[0].ID)
		assert.JSONEq(t, `{"page_size":10}`, string(due[0].Args))
	})

	t.Run("ClaimIsCompareAndSet", func(t *testing.T) {
		ok, err := db.ClaimJob(ctx, "due", now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = db.ClaimJob(ctx, "due", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Reschedule", func(t *testing.T) {
		next := now.Add(2 * time.Second)
		require.NoError(t, db.RescheduleJob(ctx, "due", 1, next, "timeout"))

		j, err := db.GetJob(ctx, "due")
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, j.Status)
		assert.Equal(t, 1, j.RetryCount)
		assert.Equal(t, "timeout", j.Error)
		assert.Nil(t, j.StartedAt)
		assert.Equal(t, next.UnixMilli(), j.ScheduledAt.UnixMilli())

		err = db.RescheduleJob(ctx, "due", 2, next, "again")
		assert.ErrorIs(t, err, syncerr.ErrInvalidState)
	})

	t.Run("Complete", func(t *testing.T) {
		ok, err := db.ClaimJob(ctx, "due", now)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, db.CompleteJob(ctx, "due", json.RawMessage(`{"ok":true}`), now))

		j, err := db.GetJob(ctx, "due")
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, j.Status)
		assert.JSONEq(t, `{"ok":true}`, string(j.Result))
		assert.NotNil(t, j.CompletedAt)
		assert.Empty(t, j.Error)

		assert.ErrorIs(t, db.FailJob(ctx, "due", "late", now), syncerr.ErrInvalidState)
	})

	t.Run("RetryCountNeverExceedsMax", func(t *testing.T) {
		ok, err := db.ClaimJob(ctx, "later", now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Error(t, db.RescheduleJob(ctx, "later", 3, now, "too many"))
	})

	t.Run("StaleAndStats", func(t *testing.T) {
		stale, err := db.StaleJobs(ctx, now.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "later", stale[0].ID)

		stats, err := db.JobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats[models.JobCompleted])
		assert.Equal(t, 1, stats[models.JobProcessing])
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := db.GetJob(ctx, "nope")
		assert.ErrorIs(t, err, syncerr.ErrNotFound)
	})
}

func TestClaimJob_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateJob(ctx, newJob("j", time.Now())))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.ClaimJob(ctx, "j", time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestExportJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := &models.ExportJob{
		ID:       "exp-1",
		Provider: "xero",
		TenantID: "t1",
		Request:  models.ExportRequest{EntityTypes: []models.EntityType{models.EntityInvoice}, Format: models.ExportXLSX},
		Status:   models.ExportPending,
	}
	require.NoError(t, db.CreateExport(ctx, e))

	t.Run("IllegalTransitionRejected", func(t *testing.T) {
		err := db.TransitionExport(ctx, "exp-1", models.ExportCompleted, domain.ExportUpdate{})
		assert.ErrorIs(t, err, syncerr.ErrInvalidState)
	})

	t.Run("HappyPath", func(t *testing.T) {
		require.NoError(t, db.SetExportRefs(ctx, "exp-1", "job-1", ""))
		require.NoError(t, db.TransitionExport(ctx, "exp-1", models.ExportProcessing, domain.ExportUpdate{}))
		require.NoError(t, db.UpdateExportProgress(ctx, "exp-1", 50, 100))

		got, err := db.GetExport(ctx, "exp-1")
		require.NoError(t, err)
		assert.Equal(t, 50, got.Progress)
		assert.Equal(t, "job-1", got.QueueJobID)
		assert.Equal(t, []models.EntityType{models.EntityInvoice}, got.Request.EntityTypes)

		require.NoError(t, db.TransitionExport(ctx, "exp-1", models.ExportCompleted, domain.ExportUpdate{Locator: "file:///tmp/exp-1.xlsx"}))
		got, err = db.GetExport(ctx, "exp-1")
		require.NoError(t, err)
		assert.Equal(t, models.ExportCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, "file:///tmp/exp-1.xlsx", got.Locator)
	})

	t.Run("TerminalIsFinal", func(t *testing.T) {
		err := db.TransitionExport(ctx, "exp-1", models.ExportCancelled, domain.ExportUpdate{})
		assert.ErrorIs(t, err, syncerr.ErrInvalidState)
		assert.ErrorIs(t, db.UpdateExportProgress(ctx, "exp-1", 1, 1), syncerr.ErrInvalidState)
	})

	t.Run("StatsAndCleanup", func(t *testing.T) {
		require.NoError(t, db.CreateExport(ctx, &models.ExportJob{
			ID: "exp-2", Provider: "xero", Status: models.ExportPending,
			Request: models.ExportRequest{EntityTypes: []models.EntityType{models.EntityCustomer}},
		}))

		stats, err := db.ExportStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Completed)
		assert.Equal(t, 1, stats.Active())

		removed, err := db.DeleteExportsBefore(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, "exp-1", removed[0].ID)

		_, err = db.GetExport(ctx, "exp-2")
		assert.NoError(t, err)
	})
}
