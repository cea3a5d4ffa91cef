package dispatch

import (
	"context"
	"strings"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/synccache"
	"ledgerbridge/internal/syncerr"

	"github.com/go-playground/validator/v10"
)

// Env is what a handler may touch while running one request.
type Env struct {
	Binding   models.BindingKey
	Adapter   provider.Adapter
	Cache     *synccache.Cache
	Validator *validator.Validate
}

func (e *Env) cacheKey(t models.EntityType, externalID string) models.CacheKey {
	return models.CacheKey{
		Provider:   e.Binding.Provider,
		TenantID:   e.Binding.TenantID,
		EntityType: t,
		ExternalID: externalID,
	}
}

// remember upserts e into the cache and reports whether it changed.
func (e *Env) remember(ctx context.Context, ent models.Entity) (bool, error) {
	if e.Cache == nil || ent == nil || ent.ExternalID() == "" {
		return false, nil
	}
	res, err := e.Cache.Upsert(ctx, e.cacheKey(ent.EntityType(), ent.ExternalID()), "", ent)
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

type Handler func(ctx context.Context, env *Env, req *Request) (*Result, error)

// Table maps each operation to its handler.
type Table struct {
	handlers map[models.Operation]Handler
}

// NewTable returns a table with the canonical CRUD, bulk and company
// handlers registered. Export is registered by the export tracker.
func NewTable() *Table {
	t := &Table{handlers: make(map[models.Operation]Handler)}
	t.Register(models.OpList, handleList)
	t.Register(models.OpGet, handleGet)
	t.Register(models.OpCreate, handleCreate)
	t.Register(models.OpUpdate, handleUpdate)
	t.Register(models.OpDelete, handleDelete)
	t.Register(models.OpBulkCreate, handleBulkCreate)
	t.Register(models.OpBulkUpdate, handleBulkUpdate)
	t.Register(models.OpBulkDelete, handleBulkDelete)
	t.Register(models.OpCompanyInfo, handleCompanyInfo)
	t.Register(models.OpAttachments, handleAttachments)
	t.Register(models.OpAttachment, handleAttachment)
	return t
}

func (t *Table) Register(op models.Operation, h Handler) {
	t.handlers[op] = h
}

func (t *Table) Lookup(op models.Operation) (Handler, bool) {
	h, ok := t.handlers[op]
	return h, ok
}

func requireType(req *Request) error {
	if !req.EntityType.Valid() {
		return syncerr.Newf(syncerr.ErrValidation, req.Operation.String(), "unknown entity type %q", req.EntityType)
	}
	return nil
}

func handleList(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := requireType(req); err != nil {
		return nil, err
	}
	page, err := env.Adapter.List(ctx, req.EntityType, req.Options)
	if err != nil {
		return nil, err
	}
	res := &Result{Page: page}
	for _, item := range page.Items {
		changed, err := env.remember(ctx, item)
		if err != nil {
			return nil, err
		}
		if changed {
			res.Changed = append(res.Changed, item.ExternalID())
		}
	}
	return res, nil
}

func handleGet(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := requireType(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "get", "id is required")
	}
	e, err := env.Adapter.Get(ctx, req.EntityType, req.ID)
	if err != nil {
		return nil, err
	}
	res := &Result{Entity: e}
	changed, err := env.remember(ctx, e)
	if err != nil {
		return nil, err
	}
	if changed {
		res.Changed = []string{e.ExternalID()}
	}
	return res, nil
}

func handleCreate(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := Validate(env.Validator, req.Entity); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.JobID
	}
	e, err := env.Adapter.Create(ctx, req.Entity, key)
	if err != nil {
		return nil, err
	}
	if _, err := env.remember(ctx, e); err != nil {
		return nil, err
	}
	return &Result{Entity: e, Changed: []string{e.ExternalID()}}, nil
}

func handleUpdate(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := Validate(env.Validator, req.Entity); err != nil {
		return nil, err
	}
	ent := req.Entity
	if ent.ExternalID() == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "update", "id is required")
	}
	if ent.Version() == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "update", "version is required")
	}
	if env.Cache != nil {
		same, err := env.Cache.Unchanged(ctx, env.cacheKey(ent.EntityType(), ent.ExternalID()), ent)
		if err != nil {
			return nil, err
		}
		if same {
			return &Result{Entity: ent, Skipped: true}, nil
		}
	}
	e, err := env.Adapter.Update(ctx, ent)
	if err != nil {
		return nil, err
	}
	if _, err := env.remember(ctx, e); err != nil {
		return nil, err
	}
	return &Result{Entity: e, Changed: []string{e.ExternalID()}}, nil
}

func handleDelete(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := requireType(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "delete", "id is required")
	}
	if err := env.Adapter.Delete(ctx, req.EntityType, req.ID); err != nil {
		return nil, err
	}
	if env.Cache != nil {
		if err := env.Cache.Delete(ctx, env.cacheKey(req.EntityType, req.ID)); err != nil {
			return nil, err
		}
	}
	return &Result{}, nil
}

func validateAll(v *validator.Validate, entities []models.Entity) error {
	if len(entities) == 0 {
		return syncerr.New(syncerr.ErrValidation, "bulk", "no entities")
	}
	for _, e := range entities {
		if err := Validate(v, e); err != nil {
			return err
		}
	}
	return nil
}

func handleBulkCreate(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := validateAll(env.Validator, req.Entities); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.JobID
	}
	res, err := env.Adapter.BulkCreate(ctx, req.Entities, key)
	if err != nil {
		return nil, err
	}
	return &Result{Bulk: res}, nil
}

func handleBulkUpdate(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := validateAll(env.Validator, req.Entities); err != nil {
		return nil, err
	}
	res, err := env.Adapter.BulkUpdate(ctx, req.Entities)
	if err != nil {
		return nil, err
	}
	return &Result{Bulk: res}, nil
}

func handleBulkDelete(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := requireType(req); err != nil {
		return nil, err
	}
	if len(req.IDs) == 0 {
		return nil, syncerr.New(syncerr.ErrValidation, "bulk delete", "no ids")
	}
	res, err := env.Adapter.BulkDelete(ctx, req.EntityType, req.IDs)
	if err != nil {
		return nil, err
	}
	if env.Cache != nil {
		for _, id := range res.Succeeded {
			if err := env.Cache.Delete(ctx, env.cacheKey(req.EntityType, id)); err != nil {
				return nil, err
			}
		}
	}
	return &Result{Bulk: res}, nil
}

func handleCompanyInfo(ctx context.Context, env *Env, _ *Request) (*Result, error) {
	info, err := env.Adapter.CompanyInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Company: info}, nil
}

// handleAttachments lists attachment metadata for one entity. A search
// option keeps only attachments whose file name contains it.
func handleAttachments(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if err := requireType(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "attachments", "entity id is required")
	}
	list, err := env.Adapter.Attachments(ctx, req.EntityType, req.ID)
	if err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(req.Options.Search))
	if query == "" {
		return &Result{Attachments: list}, nil
	}
	matched := make([]models.Attachment, 0, len(list))
	for _, a := range list {
		if strings.Contains(strings.ToLower(a.FileName), query) {
			matched = append(matched, a)
		}
	}
	return &Result{Attachments: matched}, nil
}

func handleAttachment(ctx context.Context, env *Env, req *Request) (*Result, error) {
	if req.ID == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "attachment", "id is required")
	}
	a, err := env.Adapter.Attachment(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Attachment: a}, nil
}
