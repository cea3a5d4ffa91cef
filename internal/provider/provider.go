// Package provider defines the capability set every accounting vendor
// integration implements.
package provider

import (
	"context"
	"io"

	"ledgerbridge/internal/models"
)

// Capability advertises one supported feature of an adapter. Entity
// capabilities are named after the entity type.
type Capability string

const (
	CapAuth         Capability = "auth"
	CapCompanyInfo  Capability = "company_info"
	CapFullCRUD     Capability = "full_crud"
	CapAttachments  Capability = "attachments"
	CapBulk         Capability = "bulk"
	CapExport       Capability = "export"
	CapWebhooks     Capability = "webhooks"
	CapRateLimitAPI Capability = "rate_limit_introspection"
	CapSearch       Capability = "search"
)

// EntityCapability is the capability that gates CRUD on t.
func EntityCapability(t models.EntityType) Capability {
	return Capability(t)
}

// Info is returned by Adapter.Info.
type Info struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
}

func (i Info) Supports(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// SupportsEntity reports whether CRUD on t is advertised.
func (i Info) SupportsEntity(t models.EntityType) bool {
	return i.Supports(EntityCapability(t))
}

// Adapter is implemented once per vendor. Unsupported operations return
// syncerr.ErrNotSupported; embed Unsupported to get that for free.
//
// Mutating calls must be safe to retry: Create accepts an idempotency
// key and Update requires the entity version the caller read.
type Adapter interface {
	Info() Info

	AuthURL(state string, scopes []string) (string, error)
	ExchangeCode(ctx context.Context, code string) (models.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (models.Token, error)
	ValidateAuth(ctx context.Context) (bool, error)
	RevokeAuth(ctx context.Context) error

	CompanyInfo(ctx context.Context) (*models.CompanyInfo, error)

	List(ctx context.Context, t models.EntityType, opts models.SyncOptions) (*models.Page, error)
	Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error)
	Create(ctx context.Context, e models.Entity, idempotencyKey string) (models.Entity, error)
	Update(ctx context.Context, e models.Entity) (models.Entity, error)
	Delete(ctx context.Context, t models.EntityType, id string) error

	Attachments(ctx context.Context, t models.EntityType, entityID string) ([]models.Attachment, error)
	Attachment(ctx context.Context, id string) (*models.Attachment, error)

	BulkCreate(ctx context.Context, entities []models.Entity, idempotencyKey string) (*models.BulkResult, error)
	BulkUpdate(ctx context.Context, entities []models.Entity) (*models.BulkResult, error)
	BulkDelete(ctx context.Context, t models.EntityType, ids []string) (*models.BulkResult, error)

	StartExport(ctx context.Context, req models.ExportRequest) (string, error)
	ExportStatus(ctx context.Context, vendorJobID string) (*models.ExportProgress, error)
	DownloadExport(ctx context.Context, vendorJobID string) (io.ReadCloser, error)
	CancelExport(ctx context.Context, vendorJobID string) error

	CreateWebhook(ctx context.Context, hook models.Webhook) (*models.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]models.Webhook, error)
	VerifyWebhook(payload []byte, signature, secret string) bool

	RateLimit(ctx context.Context, endpoint string) (models.RateLimitInfo, error)
}

// TokenSource supplies the current access token for an adapter instance.
// Adapters never refresh on their own; they report ErrAuth and let the
// caller refresh through the auth manager.
type TokenSource interface {
	Token(ctx context.Context) (models.Token, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (models.Token, error)

func (f TokenSourceFunc) Token(ctx context.Context) (models.Token, error) { return f(ctx) }

// StaticToken always returns the same token.
func StaticToken(tok models.Token) TokenSource {
	return TokenSourceFunc(func(context.Context) (models.Token, error) { return tok, nil })
}
