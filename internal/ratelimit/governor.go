// Package ratelimit tracks vendor call budgets per (provider, tenant,
// endpoint) and decides whether a call may go out now.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/keylock"
	"ledgerbridge/internal/metrics"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
)

// Decision is the outcome of a reservation. Remaining is the headroom
// before this reservation; Limit is zero when nothing is known yet.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

// Err converts a denial into a RateLimited error.
func (d Decision) Err(op string) error {
	if d.Allowed {
		return nil
	}
	return syncerr.RateLimited(op, d.RetryAfter)
}

type Governor struct {
	store  domain.RateLimitStore
	locks  *keylock.Locker
	logger *zerolog.Logger
	now    func() time.Time
}

func NewGovernor(store domain.RateLimitStore, logger *zerolog.Logger) *Governor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "ratelimit").Logger()
	return &Governor{store: store, locks: keylock.New(), logger: &l, now: time.Now}
}

func (g *Governor) SetClock(now func() time.Time) { g.now = now }

// Reserve asks for one call against key. Unknown keys are allowed
// optimistically. An exhausted window denies until its reset time; once
// the reset time has passed the budget is refilled to the limit.
func (g *Governor) Reserve(ctx context.Context, key models.RateLimitKey) (Decision, error) {
	unlock := g.locks.Lock(key.String())
	defer unlock()

	rec, err := g.store.GetRateLimit(ctx, key)
	if errors.Is(err, syncerr.ErrNotFound) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	now := g.now()
	if !rec.ResetAt.IsZero() && !now.Before(rec.ResetAt) {
		rec.Remaining = rec.Limit
		rec.ResetAt = time.Time{}
		g.logger.Debug().Str("key", key.String()).Int("limit", rec.Limit).Msg("Rate limit window reset")
	}

	if rec.Remaining <= 0 && now.Before(rec.ResetAt) {
		metrics.IncRateLimitDenied(key.Provider, key.Endpoint)
		return Decision{
			RetryAfter: rec.ResetAt.Sub(now),
			Limit:      rec.Limit,
			ResetAt:    rec.ResetAt,
		}, nil
	}

	d := Decision{Allowed: true, Limit: rec.Limit, Remaining: rec.Remaining, ResetAt: rec.ResetAt}
	if rec.Remaining > 0 {
		rec.Remaining--
	}
	rec.RequestCount++
	rec.UpdatedAt = now
	if err := g.store.SaveRateLimit(ctx, rec); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Observe records vendor-reported headroom after a real call.
func (g *Governor) Observe(ctx context.Context, key models.RateLimitKey, limit, remaining int, resetAt time.Time) error {
	unlock := g.locks.Lock(key.String())
	defer unlock()

	var count int64
	if prev, err := g.store.GetRateLimit(ctx, key); err == nil {
		count = prev.RequestCount
	} else if !errors.Is(err, syncerr.ErrNotFound) {
		return err
	}

	if remaining < 0 {
		remaining = 0
	}
	if limit > 0 && remaining > limit {
		remaining = limit
	}
	return g.store.SaveRateLimit(ctx, &models.RateLimitRecord{
		Provider:     key.Provider,
		TenantID:     key.TenantID,
		Endpoint:     key.Endpoint,
		ResetAt:      resetAt,
		Limit:        limit,
		Remaining:    remaining,
		RequestCount: count,
		UpdatedAt:    g.now(),
	})
}

// ObserveInfo is Observe fed from an adapter's RateLimit report.
func (g *Governor) ObserveInfo(ctx context.Context, key models.RateLimitKey, info models.RateLimitInfo) error {
	if !info.Known() {
		return nil
	}
	return g.Observe(ctx, key, info.Limit, info.Remaining, info.ResetAt)
}

// Snapshot returns the stored record for key without reserving.
func (g *Governor) Snapshot(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	return g.store.GetRateLimit(ctx, key)
}
