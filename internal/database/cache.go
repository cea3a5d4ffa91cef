package database

import (
	"context"
	"fmt"
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/google/uuid"
)

func (db *DB) GetCachedEntity(ctx context.Context, key models.CacheKey) (*models.CachedEntity, error) {
	query := `
        SELECT id, provider, tenant_id, entity_type, entity_id, external_id, data, hash, last_sync_at
        FROM cached_entities
        WHERE provider = ? AND tenant_id = ? AND entity_type = ? AND external_id = ?
    `
	var (
		c        models.CachedEntity
		data     string
		lastSync int64
	)
	err := db.QueryRowContext(ctx, query, key.Provider, key.TenantID, key.EntityType, key.ExternalID).Scan(
		&c.ID, &c.Provider, &c.TenantID, &c.EntityType, &c.EntityID, &c.ExternalID, &data, &c.Hash, &lastSync,
	)
	if err != nil {
		return nil, notFound(err, "get cached entity "+key.String())
	}
	c.Data = []byte(data)
	c.LastSyncAt = fromMillis(lastSync)
	return &c, nil
}

// UpsertCachedEntity writes the snapshot keyed by (provider, tenant, type, external id).
func (db *DB) UpsertCachedEntity(ctx context.Context, c *models.CachedEntity) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `
        INSERT INTO cached_entities (id, provider, tenant_id, entity_type, entity_id, external_id, data, hash, last_sync_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(provider, tenant_id, entity_type, external_id) DO UPDATE SET
            entity_id = CASE WHEN excluded.entity_id = '' THEN entity_id ELSE excluded.entity_id END,
            data = excluded.data,
            hash = excluded.hash,
            last_sync_at = excluded.last_sync_at
    `
	_, err := db.ExecContext(ctx, query,
		c.ID, c.Provider, c.TenantID, c.EntityType, c.EntityID, c.ExternalID, string(c.Data), c.Hash, millis(c.LastSyncAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cached entity %s: %w", c.Key(), err)
	}
	return nil
}

// TouchCachedEntity refreshes last_sync_at and, when data is non-empty,
// the stored snapshot. The hash is left alone.
func (db *DB) TouchCachedEntity(ctx context.Context, key models.CacheKey, data []byte, at time.Time) error {
	query := `
        UPDATE cached_entities SET data = COALESCE(NULLIF(?, ''), data), last_sync_at = ?
        WHERE provider = ? AND tenant_id = ? AND entity_type = ? AND external_id = ?
    `
	res, err := db.ExecContext(ctx, query, string(data), millis(at), key.Provider, key.TenantID, key.EntityType, key.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to touch cached entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.ErrNotFound, "touch cached entity", key.String())
	}
	return nil
}

func (db *DB) DeleteCachedEntity(ctx context.Context, key models.CacheKey) error {
	query := `
        DELETE FROM cached_entities
        WHERE provider = ? AND tenant_id = ? AND entity_type = ? AND external_id = ?
    `
	if _, err := db.ExecContext(ctx, query, key.Provider, key.TenantID, key.EntityType, key.ExternalID); err != nil {
		return fmt.Errorf("failed to delete cached entity: %w", err)
	}
	return nil
}

// EvictCachedEntities removes snapshots not synced since before.
func (db *DB) EvictCachedEntities(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM cached_entities WHERE last_sync_at < ?`, millis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to evict cached entities: %w", err)
	}
	return res.RowsAffected()
}
