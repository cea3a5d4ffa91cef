package database

import (
	"context"
	"fmt"

	"ledgerbridge/internal/models"
)

func (db *DB) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	query := `
        SELECT provider, tenant_id, endpoint, reset_at, limit_count, remaining, request_count, updated_at
        FROM rate_limits WHERE provider = ? AND tenant_id = ? AND endpoint = ?
    `
	var (
		r                models.RateLimitRecord
		resetAt, updated int64
	)
	err := db.QueryRowContext(ctx, query, key.Provider, key.TenantID, key.Endpoint).Scan(
		&r.Provider, &r.TenantID, &r.Endpoint, &resetAt, &r.Limit, &r.Remaining, &r.RequestCount, &updated,
	)
	if err != nil {
		return nil, notFound(err, "get rate limit "+key.String())
	}
	r.ResetAt = fromMillis(resetAt)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

// SaveRateLimit upserts the single live record for (provider, tenant, endpoint).
func (db *DB) SaveRateLimit(ctx context.Context, r *models.RateLimitRecord) error {
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	query := `
        INSERT INTO rate_limits (provider, tenant_id, endpoint, reset_at, limit_count, remaining, request_count, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(provider, tenant_id, endpoint) DO UPDATE SET
            reset_at = excluded.reset_at,
            limit_count = excluded.limit_count,
            remaining = excluded.remaining,
            request_count = excluded.request_count,
            updated_at = excluded.updated_at
    `
	_, err := db.ExecContext(ctx, query,
		r.Provider, r.TenantID, r.Endpoint, millis(r.ResetAt), r.Limit, r.Remaining, r.RequestCount, millis(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rate limit %s: %w", r.Key(), err)
	}
	return nil
}
