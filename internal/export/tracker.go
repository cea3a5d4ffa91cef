// Package export runs long bulk exports as queue jobs and tracks them
// through pending, processing and a terminal state.
package export

import (
	"context"
	"errors"
	"io"
	"path"
	"time"

	"ledgerbridge/internal/dispatch"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/metrics"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"
	"ledgerbridge/internal/worker"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Enqueuer is the part of the queue engine the tracker needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, j worker.Job) (string, error)
}

// Linker is implemented by sinks that can hand out a direct URL.
type Linker interface {
	URL(ctx context.Context, locator string) (string, error)
}

type contentTyper interface {
	ContentType(locator string) string
}

const (
	contentXLSX   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentBinary = "application/octet-stream"
)

// Download is an opened export file.
type Download struct {
	Job         *models.ExportJob
	Name        string
	ContentType string
	URL         string
	Body        io.ReadCloser
}

type Tracker struct {
	store     domain.ExportStore
	queue     Enqueuer
	sink      Sink
	adapters  dispatch.Resolver
	validator *validator.Validate
	events    domain.EventPublisher
	logger    *zerolog.Logger
	now       func() time.Time

	// PollInterval spaces vendor status polls of native exports.
	PollInterval time.Duration
	// Retention is how long terminal exports are kept.
	Retention time.Duration
}

func NewTracker(
	store domain.ExportStore,
	queue Enqueuer,
	sink Sink,
	adapters dispatch.Resolver,
	publisher domain.EventPublisher,
	logger *zerolog.Logger,
) *Tracker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "export").Logger()
	return &Tracker{
		store:        store,
		queue:        queue,
		sink:         sink,
		adapters:     adapters,
		validator:    dispatch.NewValidator(),
		events:       publisher,
		logger:       &l,
		now:          time.Now,
		PollInterval: 2 * time.Second,
		Retention:    models.DefaultExportRetention,
	}
}

func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Install registers the export runner in the operation table.
func (t *Tracker) Install(table *dispatch.Table) {
	table.Register(models.OpExport, t.run)
}

// Start validates req, records a pending export and queues the job that
// produces it.
func (t *Tracker) Start(ctx context.Context, key models.BindingKey, req models.ExportRequest) (*models.ExportJob, error) {
	if req.Format == "" {
		req.Format = models.ExportXLSX
	}
	if err := t.validator.Struct(req); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrValidation, "start export", err)
	}
	for _, et := range req.EntityTypes {
		if !et.Valid() {
			return nil, syncerr.Newf(syncerr.ErrValidation, "start export", "unknown entity type %q", et)
		}
	}
	if _, ok := t.sink.(RawSink); req.Format == models.ExportNative && !ok {
		return nil, syncerr.New(syncerr.ErrNotSupported, "start export", "configured sink cannot store native exports")
	}
	if _, err := t.adapters.Adapter(key); err != nil {
		return nil, err
	}

	job := &models.ExportJob{
		ID:        uuid.NewString(),
		Provider:  key.Provider,
		TenantID:  key.TenantID,
		Request:   req,
		Status:    models.ExportPending,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.CreateExport(ctx, job); err != nil {
		return nil, err
	}

	queueID, err := t.queue.Enqueue(ctx, worker.Job{
		Provider:   key.Provider,
		TenantID:   key.TenantID,
		Request:    dispatch.Request{Operation: models.OpExport, ExportID: job.ID},
		MaxRetries: worker.Retries(models.ExportMaxRetries),
		Priority:   models.PriorityLow,
		ExportID:   job.ID,
	})
	if err != nil {
		t.fail(ctx, job, err.Error())
		return nil, err
	}
	if err := t.store.SetExportRefs(ctx, job.ID, queueID, ""); err != nil {
		return nil, err
	}

	t.logger.Info().Str("export_id", job.ID).Str("provider", key.Provider).Str("format", string(req.Format)).
		Msg("Export queued")
	return t.store.GetExport(ctx, job.ID)
}

func (t *Tracker) Status(ctx context.Context, id string) (*models.ExportJob, error) {
	return t.store.GetExport(ctx, id)
}

// Cancel stops an export that has not finished. The vendor side is
// cancelled on a best-effort basis.
func (t *Tracker) Cancel(ctx context.Context, id string) (*models.ExportJob, error) {
	job, err := t.store.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, syncerr.Newf(syncerr.ErrInvalidState, "cancel export", "export is already %s", job.Status)
	}
	if err := t.store.TransitionExport(ctx, id, models.ExportCancelled, domain.ExportUpdate{}); err != nil {
		return nil, err
	}

	if job.VendorJobID != "" {
		key := models.BindingKey{Provider: job.Provider, TenantID: job.TenantID}
		if adapter, err := t.adapters.Adapter(key); err == nil {
			if err := adapter.CancelExport(ctx, job.VendorJobID); err != nil {
				t.logger.Warn().Err(err).Str("export_id", id).Msg("Vendor export cancel failed")
			}
		}
	}

	job.Status = models.ExportCancelled
	t.finished(job)
	return t.store.GetExport(ctx, id)
}

// Download opens the stored file of a completed export.
func (t *Tracker) Download(ctx context.Context, id string) (*Download, error) {
	job, err := t.store.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.ExportCompleted || job.Locator == "" {
		return nil, syncerr.Newf(syncerr.ErrNotReady, "download export", "export is %s", job.Status)
	}

	body, err := t.sink.Open(ctx, job.Locator)
	if err != nil {
		return nil, err
	}
	d := &Download{Job: job, Name: path.Base(job.Locator), Body: body}
	switch ct, ok := t.sink.(contentTyper); {
	case ok:
		d.ContentType = ct.ContentType(job.Locator)
	case path.Ext(job.Locator) == ".xlsx":
		d.ContentType = contentXLSX
	default:
		d.ContentType = contentBinary
	}
	if l, ok := t.sink.(Linker); ok {
		if u, err := l.URL(ctx, job.Locator); err == nil {
			d.URL = u
		} else {
			t.logger.Warn().Err(err).Str("export_id", id).Msg("Export link failed")
		}
	}
	return d, nil
}

// Cleanup deletes terminal exports older than the retention window along
// with their stored files.
func (t *Tracker) Cleanup(ctx context.Context) (int, error) {
	old, err := t.store.DeleteExportsBefore(ctx, t.now().Add(-t.Retention))
	if err != nil {
		return 0, err
	}
	for _, job := range old {
		if job.Locator == "" {
			continue
		}
		if err := t.sink.Remove(ctx, job.Locator); err != nil {
			t.logger.Warn().Err(err).Str("export_id", job.ID).Msg("Failed to remove export file")
		}
	}
	if len(old) > 0 {
		t.logger.Info().Int("count", len(old)).Msg("Old exports removed")
	}
	return len(old), nil
}

// Run calls Cleanup every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Cleanup(ctx); err != nil {
				t.logger.Error().Err(err).Msg("Export cleanup failed")
			}
		}
	}
}

func (t *Tracker) Stats(ctx context.Context) (models.ExportStats, error) {
	return t.store.ExportStats(ctx)
}

// Guard stops queue jobs whose export was cancelled or already finished.
func (t *Tracker) Guard(ctx context.Context, job *models.QueueJob) error {
	if job.ExportID == "" {
		return nil
	}
	exp, err := t.store.GetExport(ctx, job.ExportID)
	if err != nil {
		return err
	}
	if exp.Status.Terminal() {
		return syncerr.Newf(syncerr.ErrInvalidState, "export", "export is %s", exp.Status)
	}
	return nil
}

// HandleJobFailed moves the export of a terminally failed queue job to
// failed.
func (t *Tracker) HandleJobFailed(ev *events.Event) error {
	var p events.JobEventPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.ExportID == "" {
		return nil
	}
	ctx := context.Background()
	job, err := t.store.GetExport(ctx, p.ExportID)
	if err != nil {
		return err
	}
	t.fail(ctx, job, p.Error)
	return nil
}

func (t *Tracker) fail(ctx context.Context, job *models.ExportJob, msg string) {
	err := t.store.TransitionExport(ctx, job.ID, models.ExportFailed, domain.ExportUpdate{Error: msg})
	if errors.Is(err, syncerr.ErrInvalidState) {
		return
	}
	if err != nil {
		t.logger.Error().Err(err).Str("export_id", job.ID).Msg("Failed to mark export failed")
		return
	}
	job.Status = models.ExportFailed
	job.Error = msg
	t.finished(job)
}

func (t *Tracker) finished(job *models.ExportJob) {
	metrics.IncExport(job.Provider, string(job.Status))

	var eventType string
	switch job.Status {
	case models.ExportCompleted:
		eventType = events.EventExportCompleted
	case models.ExportFailed:
		eventType = events.EventExportFailed
	case models.ExportCancelled:
		eventType = events.EventExportCancelled
	default:
		return
	}
	if t.events == nil {
		return
	}
	payload := events.ExportEventPayload{
		ExportID: job.ID,
		Provider: job.Provider,
		TenantID: job.TenantID,
		Status:   string(job.Status),
		Locator:  job.Locator,
		Error:    job.Error,
	}
	if err := t.events.PublishJSON(eventType, payload); err != nil {
		t.logger.Warn().Err(err).Str("export_id", job.ID).Msg("Failed to publish export event")
	}
}
