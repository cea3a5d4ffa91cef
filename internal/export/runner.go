package export

import (
	"context"
	"time"

	"ledgerbridge/internal/dispatch"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/syncerr"
)

// run is the queue handler for export jobs. A retry after a failure picks
// up an export that is already processing.
func (t *Tracker) run(ctx context.Context, env *dispatch.Env, req *dispatch.Request) (*dispatch.Result, error) {
	if req.ExportID == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "export", "export id is required")
	}
	job, err := t.store.GetExport(ctx, req.ExportID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.ExportPending:
		if err := t.store.TransitionExport(ctx, job.ID, models.ExportProcessing, domain.ExportUpdate{}); err != nil {
			return nil, err
		}
		job.Status = models.ExportProcessing
	case models.ExportProcessing:
		t.logger.Info().Str("export_id", job.ID).Msg("Resuming export")
	default:
		return nil, syncerr.Newf(syncerr.ErrInvalidState, "export", "export is %s", job.Status)
	}

	var locator string
	if job.Request.Format == models.ExportNative {
		locator, err = t.runNative(ctx, env.Adapter, job)
	} else {
		locator, err = t.runTabular(ctx, env.Adapter, job)
	}
	if err != nil {
		return nil, err
	}

	if err := t.store.TransitionExport(ctx, job.ID, models.ExportCompleted, domain.ExportUpdate{Locator: locator}); err != nil {
		if rmErr := t.sink.Remove(ctx, locator); rmErr != nil {
			t.logger.Warn().Err(rmErr).Str("export_id", job.ID).Msg("Failed to remove orphaned export file")
		}
		return nil, err
	}
	job.Status = models.ExportCompleted
	job.Locator = locator
	t.finished(job)
	t.logger.Info().Str("export_id", job.ID).Str("locator", locator).Msg("Export completed")
	return &dispatch.Result{Locator: locator}, nil
}

func (t *Tracker) checkCancelled(ctx context.Context, id string) error {
	job, err := t.store.GetExport(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.ExportCancelled {
		return syncerr.New(syncerr.ErrInvalidState, "export", "export was cancelled")
	}
	return nil
}

func (t *Tracker) progress(ctx context.Context, id string, processed, total int) {
	if err := t.store.UpdateExportProgress(ctx, id, processed, total); err != nil {
		t.logger.Debug().Err(err).Str("export_id", id).Msg("Progress not recorded")
	}
}

// runTabular pages through every requested entity type and stores the
// result as a workbook.
func (t *Tracker) runTabular(ctx context.Context, adapter provider.Adapter, job *models.ExportJob) (string, error) {
	book := &Workbook{}
	processed := 0
	for _, et := range job.Request.EntityTypes {
		b := newSheetBuilder(et)
		opts := models.SyncOptions{PageSize: models.MaxPageSize, ModifiedSince: job.Request.ModifiedSince}
		for {
			if err := t.checkCancelled(ctx, job.ID); err != nil {
				return "", err
			}
			page, err := adapter.List(ctx, et, opts)
			if err != nil {
				return "", err
			}
			for _, item := range page.Items {
				if err := b.add(item); err != nil {
					return "", syncerr.Wrap(syncerr.ErrValidation, "export row", err)
				}
			}
			processed += len(page.Items)

			total := processed
			if page.HasMore {
				total += opts.Limit()
			}
			t.progress(ctx, job.ID, processed, total)

			if !page.HasMore || page.NextCursor == "" {
				break
			}
			opts.Cursor = page.NextCursor
		}
		book.Sheets = append(book.Sheets, b.sheet())
	}

	if err := t.checkCancelled(ctx, job.ID); err != nil {
		return "", err
	}
	return t.sink.Write(ctx, job.ID, book)
}

// runNative drives the vendor's own export lifecycle and stores the
// downloaded file untouched.
func (t *Tracker) runNative(ctx context.Context, adapter provider.Adapter, job *models.ExportJob) (string, error) {
	raw, ok := t.sink.(RawSink)
	if !ok {
		return "", syncerr.New(syncerr.ErrNotSupported, "export", "configured sink cannot store native exports")
	}

	start := func() (string, error) {
		id, err := adapter.StartExport(ctx, job.Request)
		if err != nil {
			return "", err
		}
		if err := t.store.SetExportRefs(ctx, job.ID, "", id); err != nil {
			return "", err
		}
		return id, nil
	}

	vendorID := job.VendorJobID
	resumed := vendorID != ""
	if !resumed {
		id, err := start()
		if err != nil {
			return "", err
		}
		vendorID = id
	}

	for {
		if err := t.checkCancelled(ctx, job.ID); err != nil {
			return "", err
		}
		st, err := adapter.ExportStatus(ctx, vendorID)
		if err != nil {
			return "", err
		}
		if st.Failed && resumed {
			// the previous attempt's vendor job died; begin a fresh one
			resumed = false
			if vendorID, err = start(); err != nil {
				return "", err
			}
			continue
		}
		if st.Failed {
			return "", syncerr.Newf(syncerr.ErrTransient, "export", "vendor export %s failed: %s", vendorID, st.Error)
		}
		if st.Done {
			break
		}
		if st.Total > 0 {
			t.progress(ctx, job.ID, st.Processed, st.Total)
		} else {
			t.progress(ctx, job.ID, st.Progress, 100)
		}

		timer := time.NewTimer(t.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	body, err := adapter.DownloadExport(ctx, vendorID)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return raw.WriteRaw(ctx, NativeName(job.ID), body)
}
