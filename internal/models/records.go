package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// BindingKey identifies one provider binding.
type BindingKey struct {
	Provider string `json:"provider"`
	TenantID string `json:"tenant_id"`
}

func (k BindingKey) String() string {
	if k.TenantID == "" {
		return k.Provider
	}
	return k.Provider + "/" + k.TenantID
}

// ProviderBinding holds credentials for one (provider, tenant).
// It is deactivated on revoke, never deleted.
type ProviderBinding struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	TenantID     string    `json:"tenant_id"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"-"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	BaseURL      string    `json:"base_url,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (b *ProviderBinding) Key() BindingKey {
	return BindingKey{Provider: b.Provider, TenantID: b.TenantID}
}

func (b *ProviderBinding) Token() Token {
	return Token{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		Expiry:       b.ExpiresAt,
		TenantID:     b.TenantID,
	}
}

// CacheKey identifies one cached entity snapshot.
type CacheKey struct {
	Provider   string     `json:"provider"`
	TenantID   string     `json:"tenant_id"`
	EntityType EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id"`
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Provider, k.TenantID, k.EntityType, k.ExternalID)
}

type CachedEntity struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	TenantID   string          `json:"tenant_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	ExternalID string          `json:"external_id"`
	Data       json.RawMessage `json:"data"`
	Hash       string          `json:"hash"`
	LastSyncAt time.Time       `json:"last_sync_at"`
}

func (c *CachedEntity) Key() CacheKey {
	return CacheKey{Provider: c.Provider, TenantID: c.TenantID, EntityType: c.EntityType, ExternalID: c.ExternalID}
}

type HistoryStatus string

const (
	HistoryPending HistoryStatus = "pending"
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
	HistoryRetry   HistoryStatus = "retry"
)

// SyncHistoryRecord is one append-only audit entry per attempt.
type SyncHistoryRecord struct {
	ID          string            `json:"id"`
	JobID       string            `json:"job_id,omitempty"`
	Provider    string            `json:"provider"`
	TenantID    string            `json:"tenant_id"`
	EntityType  EntityType        `json:"entity_type,omitempty"`
	Operation   Operation         `json:"operation"`
	EntityID    string            `json:"entity_id,omitempty"`
	Status      HistoryStatus     `json:"status"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HistoryFilter selects history records; zero fields match everything.
type HistoryFilter struct {
	Provider string
	TenantID string
	JobID    string
	EntityID string
	Status   HistoryStatus
	Limit    int
}

// RateLimitKey identifies one live rate-limit window.
type RateLimitKey struct {
	Provider string `json:"provider"`
	TenantID string `json:"tenant_id"`
	Endpoint string `json:"endpoint"`
}

func (k RateLimitKey) String() string {
	return k.Provider + ":" + k.TenantID + ":" + k.Endpoint
}

type RateLimitRecord struct {
	Provider     string    `json:"provider"`
	TenantID     string    `json:"tenant_id"`
	Endpoint     string    `json:"endpoint"`
	ResetAt      time.Time `json:"reset_at"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	RequestCount int64     `json:"request_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *RateLimitRecord) Key() RateLimitKey {
	return RateLimitKey{Provider: r.Provider, TenantID: r.TenantID, Endpoint: r.Endpoint}
}
