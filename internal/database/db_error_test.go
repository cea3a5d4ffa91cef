package database

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDB_ErrorPaths(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	assert.NoError(t, err)
	db.Close() // Close the DB to trigger errors

	ctx := context.Background()
	key := models.BindingKey{Provider: "xero"}

	t.Run("SaveBinding_Error", func(t *testing.T) {
		assert.Error(t, db.SaveBinding(ctx, &models.ProviderBinding{Provider: "xero"}))
	})

	t.Run("UpdateBindingToken_Error", func(t *testing.T) {
		assert.Error(t, db.UpdateBindingToken(ctx, key, models.Token{AccessToken: "a"}))
	})

	t.Run("UpsertCachedEntity_Error", func(t *testing.T) {
		err := db.UpsertCachedEntity(ctx, &models.CachedEntity{
			Provider:   "xero",
			EntityType: models.EntityCustomer,
			ExternalID: "C-1",
		})
		assert.Error(t, err)
	})

	t.Run("AppendHistory_Error", func(t *testing.T) {
		assert.Error(t, db.AppendHistory(ctx, &models.SyncHistoryRecord{Provider: "xero"}))
	})

	t.Run("CreateJob_Error", func(t *testing.T) {
		assert.Error(t, db.CreateJob(ctx, &models.QueueJob{ID: "j"}))
	})

	t.Run("ClaimJob_Error", func(t *testing.T) {
		_, err := db.ClaimJob(ctx, "j", time.Now())
		assert.Error(t, err)
	})

	t.Run("TransitionExport_Error", func(t *testing.T) {
		assert.Error(t, db.TransitionExport(ctx, "exp", models.ExportCancelled, domain.ExportUpdate{}))
	})

	t.Run("DeleteExportsBefore_Error", func(t *testing.T) {
		_, err := db.DeleteExportsBefore(ctx, time.Now())
		assert.Error(t, err)
	})

	t.Run("JobStats_Error", func(t *testing.T) {
		_, err := db.JobStats(ctx)
		assert.Error(t, err)
	})
}

func TestNewDB_Error(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "db_err")
	defer os.RemoveAll(tmpDir)

	logger := zerolog.New(io.Discard)
	_, err := NewDB(tmpDir, &logger)
	assert.Error(t, err)
}

func TestTransitionExport_UnknownTarget(t *testing.T) {
	db := setupTestDB(t)
	err := db.TransitionExport(context.Background(), "exp", models.ExportPending, domain.ExportUpdate{})
	assert.Error(t, err)
}
