// Package synccache stores content-addressed snapshots of canonical
// entities so repeated syncs and writes of identical data become no-ops.
package synccache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/keylock"
	"ledgerbridge/internal/metrics"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
)

// Fields that change on every vendor round trip without changing content.
var volatileFields = []string{"sync_token", "created_at", "updated_at"}

// Canonical returns the hashing form of e: its JSON with volatile fields
// removed and object keys sorted.
func Canonical(e models.Entity) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EntityType(), err)
	}
	return canonicalize(raw)
}

func canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	for _, f := range volatileFields {
		delete(doc, f)
	}
	// encoding/json writes map keys in sorted order at every depth.
	return json.Marshal(doc)
}

// Hash is the hex SHA-256 of the canonical form of e.
func Hash(e models.Entity) (string, error) {
	c, err := Canonical(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// Result reports what Upsert did.
type Result struct {
	Changed bool
	Hash    string
}

type Cache struct {
	store  domain.CacheStore
	ttl    time.Duration
	locks  *keylock.Locker
	logger *zerolog.Logger
	now    func() time.Time
}

func New(store domain.CacheStore, ttl time.Duration, logger *zerolog.Logger) *Cache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if ttl <= 0 {
		ttl = models.DefaultCacheTTL
	}
	l := logger.With().Str("component", "synccache").Logger()
	return &Cache{store: store, ttl: ttl, locks: keylock.New(), logger: &l, now: time.Now}
}

func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Key builds the cache key of e under (provider, tenant).
func Key(provider, tenantID string, e models.Entity) models.CacheKey {
	return models.CacheKey{
		Provider:   provider,
		TenantID:   tenantID,
		EntityType: e.EntityType(),
		ExternalID: e.ExternalID(),
	}
}

// Upsert stores e under key when its hash differs from the stored one.
// An unchanged entity keeps its hash; its snapshot is rewritten so version
// and timestamps stay current, and Changed is false.
func (c *Cache) Upsert(ctx context.Context, key models.CacheKey, entityID string, e models.Entity) (Result, error) {
	if key.ExternalID == "" {
		return Result{}, syncerr.New(syncerr.ErrValidation, "cache upsert", "external id is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Result{}, fmt.Errorf("marshal %s: %w", key, err)
	}
	canon, err := canonicalize(data)
	if err != nil {
		return Result{}, err
	}
	sum := sha256.Sum256(canon)
	hash := hex.EncodeToString(sum[:])

	unlock := c.locks.Lock(key.String())
	defer unlock()

	now := c.now()
	prev, err := c.store.GetCachedEntity(ctx, key)
	switch {
	case err == nil && prev.Hash == hash:
		if err := c.store.TouchCachedEntity(ctx, key, data, now); err != nil {
			return Result{}, err
		}
		metrics.IncCacheWrite(key.Provider, key.EntityType.String(), false)
		return Result{Changed: false, Hash: hash}, nil
	case err != nil && !errors.Is(err, syncerr.ErrNotFound):
		return Result{}, err
	}

	rec := &models.CachedEntity{
		Provider:   key.Provider,
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   entityID,
		ExternalID: key.ExternalID,
		Data:       data,
		Hash:       hash,
		LastSyncAt: now,
	}
	if prev != nil {
		rec.ID = prev.ID
	}
	if err := c.store.UpsertCachedEntity(ctx, rec); err != nil {
		return Result{}, err
	}
	metrics.IncCacheWrite(key.Provider, key.EntityType.String(), true)
	return Result{Changed: true, Hash: hash}, nil
}

// Unchanged reports whether e hashes equal to the stored snapshot. An
// absent snapshot counts as changed.
func (c *Cache) Unchanged(ctx context.Context, key models.CacheKey, e models.Entity) (bool, error) {
	hash, err := Hash(e)
	if err != nil {
		return false, err
	}
	prev, err := c.store.GetCachedEntity(ctx, key)
	if errors.Is(err, syncerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return prev.Hash == hash, nil
}

// Get returns the snapshot for key or syncerr.ErrNotFound.
func (c *Cache) Get(ctx context.Context, key models.CacheKey) (*models.CachedEntity, error) {
	return c.store.GetCachedEntity(ctx, key)
}

// Entity decodes the snapshot for key into its canonical type.
func (c *Cache) Entity(ctx context.Context, key models.CacheKey) (models.Entity, error) {
	rec, err := c.store.GetCachedEntity(ctx, key)
	if err != nil {
		return nil, err
	}
	return models.DecodeEntity(rec.EntityType, rec.Data)
}

func (c *Cache) Delete(ctx context.Context, key models.CacheKey) error {
	unlock := c.locks.Lock(key.String())
	defer unlock()
	return c.store.DeleteCachedEntity(ctx, key)
}

// Evict drops snapshots not synced within the TTL.
func (c *Cache) Evict(ctx context.Context) (int64, error) {
	n, err := c.store.EvictCachedEntities(ctx, c.now().Add(-c.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info().Int64("evicted", n).Msg("Evicted stale cache entries")
	}
	return n, nil
}

// Run evicts on every tick until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Evict(ctx); err != nil {
				c.logger.Error().Err(err).Msg("Cache eviction failed")
			}
		}
	}
}
