package provider

import (
	"context"
	"io"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"
)

// Unsupported implements every Adapter method by failing with
// ErrNotSupported. Adapters embed it and override what they support.
type Unsupported struct {
	Name string
}

func (u Unsupported) fail(op string) error {
	return syncerr.NotSupported(u.Name, op)
}

func entityName(e models.Entity) string {
	if e == nil {
		return "entity"
	}
	return e.EntityType().String()
}

func (u Unsupported) Info() Info { return Info{Name: u.Name} }

func (u Unsupported) AuthURL(string, []string) (string, error) {
	return "", u.fail("auth_url")
}

func (u Unsupported) ExchangeCode(context.Context, string) (models.Token, error) {
	return models.Token{}, u.fail("exchange_code")
}

func (u Unsupported) RefreshToken(context.Context, string) (models.Token, error) {
	return models.Token{}, u.fail("refresh_token")
}

func (u Unsupported) ValidateAuth(context.Context) (bool, error) {
	return false, u.fail("validate_auth")
}

func (u Unsupported) RevokeAuth(context.Context) error { return u.fail("revoke_auth") }

func (u Unsupported) CompanyInfo(context.Context) (*models.CompanyInfo, error) {
	return nil, u.fail("company_info")
}

func (u Unsupported) List(_ context.Context, t models.EntityType, _ models.SyncOptions) (*models.Page, error) {
	return nil, u.fail("list " + t.String())
}

func (u Unsupported) Get(_ context.Context, t models.EntityType, _ string) (models.Entity, error) {
	return nil, u.fail("get " + t.String())
}

func (u Unsupported) Create(_ context.Context, e models.Entity, _ string) (models.Entity, error) {
	return nil, u.fail("create " + entityName(e))
}

func (u Unsupported) Update(_ context.Context, e models.Entity) (models.Entity, error) {
	return nil, u.fail("update " + entityName(e))
}

func (u Unsupported) Delete(_ context.Context, t models.EntityType, _ string) error {
	return u.fail("delete " + t.String())
}

func (u Unsupported) Attachments(context.Context, models.EntityType, string) ([]models.Attachment, error) {
	return nil, u.fail("attachments")
}

func (u Unsupported) Attachment(context.Context, string) (*models.Attachment, error) {
	return nil, u.fail("attachment")
}

func (u Unsupported) BulkCreate(context.Context, []models.Entity, string) (*models.BulkResult, error) {
	return nil, u.fail("bulk_create")
}

func (u Unsupported) BulkUpdate(context.Context, []models.Entity) (*models.BulkResult, error) {
	return nil, u.fail("bulk_update")
}

func (u Unsupported) BulkDelete(context.Context, models.EntityType, []string) (*models.BulkResult, error) {
	return nil, u.fail("bulk_delete")
}

func (u Unsupported) StartExport(context.Context, models.ExportRequest) (string, error) {
	return "", u.fail("start_export")
}

func (u Unsupported) ExportStatus(context.Context, string) (*models.ExportProgress, error) {
	return nil, u.fail("export_status")
}

func (u Unsupported) DownloadExport(context.Context, string) (io.ReadCloser, error) {
	return nil, u.fail("download_export")
}

func (u Unsupported) CancelExport(context.Context, string) error { return u.fail("cancel_export") }

func (u Unsupported) CreateWebhook(context.Context, models.Webhook) (*models.Webhook, error) {
	return nil, u.fail("create_webhook")
}

func (u Unsupported) DeleteWebhook(context.Context, string) error { return u.fail("delete_webhook") }

func (u Unsupported) ListWebhooks(context.Context) ([]models.Webhook, error) {
	return nil, u.fail("list_webhooks")
}

func (u Unsupported) VerifyWebhook([]byte, string, string) bool { return false }

func (u Unsupported) RateLimit(context.Context, string) (models.RateLimitInfo, error) {
	return models.RateLimitInfo{}, u.fail("rate_limit")
}

var _ Adapter = Unsupported{}
