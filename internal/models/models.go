package models

import (
	"time"
)

// SyncOptions narrows a List call.
type SyncOptions struct {
	Cursor          string            `json:"cursor,omitempty"`
	PageSize        int               `json:"page_size,omitempty"`
	ModifiedSince   *time.Time        `json:"modified_since,omitempty"`
	IncludeInactive bool              `json:"include_inactive,omitempty"`
	Filters         map[string]string `json:"filters,omitempty"`
	// Search is a free-text query the vendor matches against the records.
	Search string `json:"search,omitempty"`
}

// Limit returns the page size clamped to [1, MaxPageSize].
func (o SyncOptions) Limit() int {
	switch {
	case o.PageSize <= 0:
		return DefaultPageSize
	case o.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return o.PageSize
	}
}

// Page is one page of a List result.
type Page struct {
	Items      []Entity `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
	Total      int      `json:"total,omitempty"`
}

type BulkFailure struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// BulkResult reports per-item outcomes of a bulk call.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed,omitempty"`
}

func (r BulkResult) AllSucceeded() bool { return len(r.Failed) == 0 }

type ExportFormat string

const (
	ExportXLSX   ExportFormat = "xlsx"
	ExportNative ExportFormat = "native"
)

// ExportRequest describes what a bulk export should contain.
type ExportRequest struct {
	EntityTypes   []EntityType `json:"entity_types" validate:"required,min=1"`
	Format        ExportFormat `json:"format" validate:"omitempty,oneof=xlsx native"`
	ModifiedSince *time.Time   `json:"modified_since,omitempty"`
}

// ExportProgress is what a vendor reports about its own export job.
type ExportProgress struct {
	VendorJobID string `json:"vendor_job_id"`
	Done        bool   `json:"done"`
	Failed      bool   `json:"failed"`
	Progress    int    `json:"progress"`
	Total       int    `json:"total,omitempty"`
	Processed   int    `json:"processed,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Webhook struct {
	ID          string       `json:"id,omitempty"`
	URL         string       `json:"url" validate:"required,url"`
	EntityTypes []EntityType `json:"entity_types,omitempty"`
	Events      []string     `json:"events,omitempty"`
	Secret      string       `json:"secret,omitempty"`
	Active      bool         `json:"active"`
}

// RateLimitInfo is vendor-reported headroom for one endpoint. ObservedAt
// is when the response carrying these figures arrived.
type RateLimitInfo struct {
	Endpoint   string    `json:"endpoint"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	ObservedAt time.Time `json:"observed_at"`
}

// Known reports whether the vendor sent rate-limit headers at all.
func (i RateLimitInfo) Known() bool { return i.Limit > 0 }

type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
}

// Expired treats tokens within skew of expiry as expired.
func (t Token) Expired(now time.Time, skew time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.Expiry)
}

// ProviderConfig is the per-provider configuration consumed by adapters.
type ProviderConfig struct {
	Provider          string        `json:"provider" yaml:"-"`
	ClientID          string        `json:"client_id" yaml:"client_id"`
	ClientSecret      string        `json:"-" yaml:"client_secret"`
	RedirectURI       string        `json:"redirect_uri" yaml:"redirect_uri"`
	BaseURL           string        `json:"base_url,omitempty" yaml:"base_url"`
	Environment       Environment   `json:"environment" yaml:"environment"`
	TenantID          string        `json:"tenant_id,omitempty" yaml:"tenant_id"`
	Scopes            []string      `json:"scopes,omitempty" yaml:"scopes"`
	AccessToken       string        `json:"-" yaml:"access_token"`
	RefreshToken      string        `json:"-" yaml:"refresh_token"`
	WebhookSecret     string        `json:"-" yaml:"webhook_secret"`
	RequestsPerSecond float64       `json:"requests_per_second,omitempty" yaml:"requests_per_second"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

func (c ProviderConfig) Sandbox() bool { return c.Environment == EnvSandbox }
