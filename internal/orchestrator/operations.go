package orchestrator

import (
	"context"
	"strings"
	"time"

	"ledgerbridge/internal/dispatch"
	"ledgerbridge/internal/export"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"
	"ledgerbridge/internal/worker"
)

// Target names the binding an operation runs against and how. A Queued
// target returns a job id immediately; otherwise the call runs now and
// errors surface to the caller without retry. MaxRetries nil takes the
// queue default.
type Target struct {
	Provider   string
	TenantID   string
	Queued     bool
	Priority   models.Priority
	MaxRetries *int
}

func (t Target) key() models.BindingKey {
	return models.BindingKey{Provider: t.Provider, TenantID: t.TenantID}
}

// Result holds either the value of a synchronous call or the id of the
// queued job.
type Result[T any] struct {
	Value T
	JobID string
}

func (r Result[T]) Queued() bool { return r.JobID != "" }

// Page is a typed page of entities.
type Page[T models.Entity] struct {
	Items      []T
	NextCursor string
	HasMore    bool
	Total      int
	Changed    []string
}

// submit runs req now or queues it, depending on tgt.
func (o *Orchestrator) submit(ctx context.Context, tgt Target, req *dispatch.Request) (*dispatch.Result, string, error) {
	key, _, err := o.lookup(tgt.key())
	if err != nil {
		return nil, "", err
	}
	if tgt.Queued {
		id, err := o.engine.Enqueue(ctx, worker.Job{
			Provider:   key.Provider,
			TenantID:   key.TenantID,
			Request:    *req,
			MaxRetries: tgt.MaxRetries,
			Priority:   tgt.Priority,
		})
		return nil, id, err
	}
	start := time.Now()
	res, err := o.exec.Run(ctx, key, req)
	o.recordSync(ctx, key, req, res, start, err)
	return res, "", err
}

// recordSync appends the audit record for a call made outside the queue.
func (o *Orchestrator) recordSync(ctx context.Context, key models.BindingKey, req *dispatch.Request, res *dispatch.Result, start time.Time, cause error) {
	if o.history == nil {
		return
	}
	done := time.Now()
	rec := &models.SyncHistoryRecord{
		Provider:    key.Provider,
		TenantID:    key.TenantID,
		EntityType:  req.EntityType,
		Operation:   req.Operation,
		EntityID:    req.ID,
		Status:      models.HistorySuccess,
		StartedAt:   start,
		CompletedAt: &done,
		Metadata:    map[string]string{"mode": "sync"},
	}
	if req.Entity != nil {
		rec.EntityType = req.Entity.EntityType()
		if rec.EntityID == "" {
			rec.EntityID = req.Entity.ExternalID()
		}
	}
	if res != nil && res.Entity != nil && rec.EntityID == "" {
		rec.EntityID = res.Entity.ExternalID()
	}
	if cause != nil {
		rec.Status = models.HistoryFailed
		rec.Error = cause.Error()
		if kind := syncerr.Kind(cause); kind != nil {
			rec.Metadata["kind"] = kind.Error()
		}
	}
	if err := o.history.AppendHistory(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error().Err(err).Str("binding", key.String()).Msg("Failed to append sync history")
	}
}

func entityTypeOf[T models.Entity]() models.EntityType {
	var zero T
	return zero.EntityType()
}

func typed[T models.Entity](e models.Entity) (T, error) {
	v, ok := e.(T)
	if !ok {
		var zero T
		return zero, syncerr.Newf(syncerr.ErrValidation, "decode entity", "adapter returned %T, want %T", e, zero)
	}
	return v, nil
}

// List fetches one page of entities of type T.
func List[T models.Entity](ctx context.Context, o *Orchestrator, tgt Target, opts models.SyncOptions) (Result[*Page[T]], error) {
	req := &dispatch.Request{Operation: models.OpList, EntityType: entityTypeOf[T](), Options: opts}
	res, jobID, err := o.submit(ctx, tgt, req)
	if err != nil || jobID != "" {
		return Result[*Page[T]]{JobID: jobID}, err
	}
	page := &Page[T]{
		NextCursor: res.Page.NextCursor,
		HasMore:    res.Page.HasMore,
		Total:      res.Page.Total,
		Changed:    res.Changed,
	}
	for _, item := range res.Page.Items {
		v, err := typed[T](item)
		if err != nil {
			return Result[*Page[T]]{}, err
		}
		page.Items = append(page.Items, v)
	}
	return Result[*Page[T]]{Value: page}, nil
}

// Search fetches one page of entities of type T matching query. Vendors
// without free-text search fail with ErrNotSupported.
func Search[T models.Entity](ctx context.Context, o *Orchestrator, tgt Target, query string, opts models.SyncOptions) (Result[*Page[T]], error) {
	if strings.TrimSpace(query) == "" {
		return Result[*Page[T]]{}, syncerr.New(syncerr.ErrValidation, "search", "query is required")
	}
	opts.Search = query
	return List[T](ctx, o, tgt, opts)
}

func Get[T models.Entity](ctx context.Context, o *Orchestrator, tgt Target, id string) (Result[T], error) {
	req := &dispatch.Request{Operation: models.OpGet, EntityType: entityTypeOf[T](), ID: id}
	return single[T](ctx, o, tgt, req)
}

// Create writes e to the vendor. The idempotency key defaults to the job
// id when queued.
func Create[T models.Entity](ctx context.Context, o *Orchestrator, tgt Target, e T, idempotencyKey string) (Result[T], error) {
	req := &dispatch.Request{Operation: models.OpCreate, EntityType: e.EntityType(), Entity: e, IdempotencyKey: idempotencyKey}
	return single[T](ctx, o, tgt, req)
}

// Update writes e, which must carry the version it was read at. An update
// that matches the cached snapshot returns e without a vendor call.
func Update[T models.Entity](ctx context.Context, o *Orchestrator, tgt Target, e T) (Result[T], error) {
	req := &dispatch.Request{Operation: models.OpUpdate, EntityType: e.EntityType(), Entity: e}
	return single[T](ctx, o, tgt, req)
}

func single[T models.Entity](ctx context.Context, o *Orchestrator, tgt Target, req *dispatch.Request) (Result[T], error) {
	res, jobID, err := o.submit(ctx, tgt, req)
	if err != nil || jobID != "" {
		return Result[T]{JobID: jobID}, err
	}
	v, err := typed[T](res.Entity)
	if err != nil {
		return Result[T]{}, err
	}
	return Result[T]{Value: v}, nil
}

// Delete removes an entity. The returned job id is empty for synchronous
// calls.
func (o *Orchestrator) Delete(ctx context.Context, tgt Target, t models.EntityType, id string) (string, error) {
	_, jobID, err := o.submit(ctx, tgt, &dispatch.Request{Operation: models.OpDelete, EntityType: t, ID: id})
	return jobID, err
}

func (o *Orchestrator) bulk(ctx context.Context, tgt Target, req *dispatch.Request) (Result[*models.BulkResult], error) {
	res, jobID, err := o.submit(ctx, tgt, req)
	if err != nil || jobID != "" {
		return Result[*models.BulkResult]{JobID: jobID}, err
	}
	return Result[*models.BulkResult]{Value: res.Bulk}, nil
}

func (o *Orchestrator) BulkCreate(ctx context.Context, tgt Target, entities []models.Entity, idempotencyKey string) (Result[*models.BulkResult], error) {
	return o.bulk(ctx, tgt, &dispatch.Request{Operation: models.OpBulkCreate, Entities: entities, IdempotencyKey: idempotencyKey})
}

func (o *Orchestrator) BulkUpdate(ctx context.Context, tgt Target, entities []models.Entity) (Result[*models.BulkResult], error) {
	return o.bulk(ctx, tgt, &dispatch.Request{Operation: models.OpBulkUpdate, Entities: entities})
}

func (o *Orchestrator) BulkDelete(ctx context.Context, tgt Target, t models.EntityType, ids []string) (Result[*models.BulkResult], error) {
	return o.bulk(ctx, tgt, &dispatch.Request{Operation: models.OpBulkDelete, EntityType: t, IDs: ids})
}

func (o *Orchestrator) CompanyInfo(ctx context.Context, tgt Target) (Result[*models.CompanyInfo], error) {
	res, jobID, err := o.submit(ctx, tgt, &dispatch.Request{Operation: models.OpCompanyInfo})
	if err != nil || jobID != "" {
		return Result[*models.CompanyInfo]{JobID: jobID}, err
	}
	return Result[*models.CompanyInfo]{Value: res.Company}, nil
}

// Attachments lists attachment metadata for one entity. A non-empty query
// keeps attachments whose file name contains it.
func (o *Orchestrator) Attachments(ctx context.Context, tgt Target, t models.EntityType, entityID, query string) (Result[[]models.Attachment], error) {
	req := &dispatch.Request{
		Operation:  models.OpAttachments,
		EntityType: t,
		ID:         entityID,
		Options:    models.SyncOptions{Search: query},
	}
	res, jobID, err := o.submit(ctx, tgt, req)
	if err != nil || jobID != "" {
		return Result[[]models.Attachment]{JobID: jobID}, err
	}
	return Result[[]models.Attachment]{Value: res.Attachments}, nil
}

func (o *Orchestrator) Attachment(ctx context.Context, tgt Target, id string) (Result[*models.Attachment], error) {
	res, jobID, err := o.submit(ctx, tgt, &dispatch.Request{Operation: models.OpAttachment, ID: id})
	if err != nil || jobID != "" {
		return Result[*models.Attachment]{JobID: jobID}, err
	}
	return Result[*models.Attachment]{Value: res.Attachment}, nil
}

// Enqueue queues an arbitrary request regardless of tgt.Queued.
func (o *Orchestrator) Enqueue(ctx context.Context, tgt Target, req dispatch.Request) (string, error) {
	tgt.Queued = true
	_, jobID, err := o.submit(ctx, tgt, &req)
	return jobID, err
}

func (o *Orchestrator) JobStatus(ctx context.Context, id string) (*models.QueueJob, error) {
	return o.engine.Job(ctx, id)
}

// BatchSync queues one list job per entity type and returns their ids.
func (o *Orchestrator) BatchSync(ctx context.Context, tgt Target, types []models.EntityType, opts models.SyncOptions) (map[models.EntityType]string, error) {
	if len(types) == 0 {
		return nil, syncerr.New(syncerr.ErrValidation, "batch sync", "at least one entity type is required")
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, syncerr.Newf(syncerr.ErrValidation, "batch sync", "unknown entity type %q", t)
		}
	}
	jobs := make(map[models.EntityType]string, len(types))
	for _, t := range types {
		id, err := o.Enqueue(ctx, tgt, dispatch.Request{Operation: models.OpList, EntityType: t, Options: opts})
		if err != nil {
			return jobs, err
		}
		jobs[t] = id
	}
	return jobs, nil
}

// ChangeSet is what an incremental sync found.
type ChangeSet struct {
	EntityType models.EntityType `json:"entity_type"`
	Scanned    int               `json:"scanned"`
	Changed    []models.Entity   `json:"changed"`
}

// SyncChanges pages through every entity of type t and returns only those
// whose snapshot differs from the cache. It always runs synchronously.
func (o *Orchestrator) SyncChanges(ctx context.Context, tgt Target, t models.EntityType, opts models.SyncOptions) (*ChangeSet, error) {
	tgt.Queued = false
	cs := &ChangeSet{EntityType: t}
	for {
		res, _, err := o.submit(ctx, tgt, &dispatch.Request{Operation: models.OpList, EntityType: t, Options: opts})
		if err != nil {
			return cs, err
		}
		changed := make(map[string]bool, len(res.Changed))
		for _, id := range res.Changed {
			changed[id] = true
		}
		for _, item := range res.Page.Items {
			cs.Scanned++
			if changed[item.ExternalID()] {
				cs.Changed = append(cs.Changed, item)
			}
		}
		if !res.Page.HasMore || res.Page.NextCursor == "" {
			return cs, nil
		}
		opts.Cursor = res.Page.NextCursor
	}
}

func (o *Orchestrator) StartExport(ctx context.Context, tgt Target, req models.ExportRequest) (*models.ExportJob, error) {
	key, _, err := o.lookup(tgt.key())
	if err != nil {
		return nil, err
	}
	return o.exports.Start(ctx, key, req)
}

func (o *Orchestrator) ExportStatus(ctx context.Context, id string) (*models.ExportJob, error) {
	return o.exports.Status(ctx, id)
}

func (o *Orchestrator) CancelExport(ctx context.Context, id string) (*models.ExportJob, error) {
	return o.exports.Cancel(ctx, id)
}

// DownloadExport opens a completed export; the caller closes Body.
func (o *Orchestrator) DownloadExport(ctx context.Context, id string) (*export.Download, error) {
	return o.exports.Download(ctx, id)
}

// RegisterWebhook subscribes a callback URL at the vendor.
func (o *Orchestrator) RegisterWebhook(ctx context.Context, tgt Target, hook models.Webhook) (*models.Webhook, error) {
	if err := o.exec.Validator().Struct(hook); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrValidation, "register webhook", err)
	}
	for _, t := range hook.EntityTypes {
		if !t.Valid() {
			return nil, syncerr.Newf(syncerr.ErrValidation, "register webhook", "unknown entity type %q", t)
		}
	}
	_, inst, err := o.lookup(tgt.key())
	if err != nil {
		return nil, err
	}
	if hook.Secret == "" {
		hook.Secret = inst.cfg.WebhookSecret
	}
	return inst.adapter.CreateWebhook(ctx, hook)
}

// VerifyWebhook checks an inbound delivery against the binding's secret.
// An explicit secret overrides the configured one.
func (o *Orchestrator) VerifyWebhook(tgt Target, payload []byte, signature, secret string) (bool, error) {
	_, inst, err := o.lookup(tgt.key())
	if err != nil {
		return false, err
	}
	if secret == "" {
		secret = inst.cfg.WebhookSecret
	}
	if secret == "" {
		return false, syncerr.New(syncerr.ErrValidation, "verify webhook", "no webhook secret configured")
	}
	return inst.adapter.VerifyWebhook(payload, signature, secret), nil
}

func (o *Orchestrator) History(ctx context.Context, filter models.HistoryFilter) ([]*models.SyncHistoryRecord, error) {
	return o.history.ListHistory(ctx, filter)
}
