package domain

import (
	"context"
	"encoding/json"
	"time"

	"ledgerbridge/internal/models"
)

type BindingStore interface {
	GetBinding(ctx context.Context, key models.BindingKey) (*models.ProviderBinding, error)
	SaveBinding(ctx context.Context, binding *models.ProviderBinding) error
	UpdateBindingToken(ctx context.Context, key models.BindingKey, token models.Token) error
	DeactivateBinding(ctx context.Context, key models.BindingKey) error
	ListBindings(ctx context.Context, activeOnly bool) ([]*models.ProviderBinding, error)
}

type CacheStore interface {
	GetCachedEntity(ctx context.Context, key models.CacheKey) (*models.CachedEntity, error)
	UpsertCachedEntity(ctx context.Context, entity *models.CachedEntity) error
	TouchCachedEntity(ctx context.Context, key models.CacheKey, data []byte, at time.Time) error
	DeleteCachedEntity(ctx context.Context, key models.CacheKey) error
	EvictCachedEntities(ctx context.Context, before time.Time) (int64, error)
}

type HistoryStore interface {
	AppendHistory(ctx context.Context, rec *models.SyncHistoryRecord) error
	ListHistory(ctx context.Context, filter models.HistoryFilter) ([]*models.SyncHistoryRecord, error)
}

// RateLimitStore returns syncerr.ErrNotFound for unknown keys.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error)
	SaveRateLimit(ctx context.Context, rec *models.RateLimitRecord) error
}

// JobStore persists queue jobs. ClaimJob is a compare-and-set from
// pending to processing and reports whether this caller won.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.QueueJob) error
	GetJob(ctx context.Context, id string) (*models.QueueJob, error)
	ClaimJob(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	RescheduleJob(ctx context.Context, id string, retryCount int, scheduledAt time.Time, lastErr string) error
	FailJob(ctx context.Context, id string, lastErr string, at time.Time) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.QueueJob, error)
	StaleJobs(ctx context.Context, startedBefore time.Time) ([]*models.QueueJob, error)
	JobStats(ctx context.Context) (models.JobStats, error)
}

// ExportStore persists export jobs. TransitionExport rejects illegal
// transitions with syncerr.ErrInvalidState.
type ExportStore interface {
	CreateExport(ctx context.Context, job *models.ExportJob) error
	GetExport(ctx context.Context, id string) (*models.ExportJob, error)
	TransitionExport(ctx context.Context, id string, to models.ExportStatus, update ExportUpdate) error
	UpdateExportProgress(ctx context.Context, id string, processed, total int) error
	SetExportRefs(ctx context.Context, id, queueJobID, vendorJobID string) error
	DeleteExportsBefore(ctx context.Context, before time.Time) ([]*models.ExportJob, error)
	ExportStats(ctx context.Context) (models.ExportStats, error)
}

// ExportUpdate carries optional fields written with a transition.
type ExportUpdate struct {
	Locator string
	Error   string
}

// QueueTransport hands job ids to consumers in priority and due order.
type QueueTransport interface {
	Push(ctx context.Context, id string, priority models.Priority, at time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int64, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
