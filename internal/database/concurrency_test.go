package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// Racing transitions out of pending: processing and cancelled compete and
// exactly one of them may land.
func TestConcurrentExportTransitions(t *testing.T) {
	logger := zerolog.Nop()
	dbPath := filepath.Join(t.TempDir(), "concurrency.db")
	db, err := NewDB(dbPath, &logger)
	assert.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.CreateExport(ctx, &models.ExportJob{
		ID:       "exp-race",
		Provider: "xero",
		Status:   models.ExportPending,
		Request:  models.ExportRequest{EntityTypes: []models.EntityType{models.EntityCustomer}},
	})
	assert.NoError(t, err)

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			to := models.ExportProcessing
			if id%2 == 1 {
				to = models.ExportCancelled
			}
			results <- db.TransitionExport(ctx, "exp-race", to, domain.ExportUpdate{})
		}(i)
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, syncerr.ErrInvalidState):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	// A processing winner may still be cancelled by a later goroutine, so
	// one or two transitions succeed but never more.
	assert.GreaterOrEqual(t, successCount, 1)
	assert.LessOrEqual(t, successCount, 2)

	job, err := db.GetExport(ctx, "exp-race")
	assert.NoError(t, err)
	assert.Contains(t, []models.ExportStatus{models.ExportProcessing, models.ExportCancelled}, job.Status)
}
