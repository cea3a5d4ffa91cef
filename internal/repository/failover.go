package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// failover tracks whether the primary backend is usable. After a
// failure the primary is retried once per recoveryInterval.
type failover struct {
	name      string
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func (f *failover) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastCheck) > recoveryInterval {
		f.lastCheck = time.Now()
		return true
	}
	return false
}

func (f *failover) report(err error) {
	if err == nil {
		if f.isDown.Swap(false) {
			f.logger.Info().Str("backend", f.name).Msg("Primary backend recovered")
		}
		return
	}
	if !f.isDown.Swap(true) {
		f.logger.Error().Err(err).Str("backend", f.name).Msg("Primary backend failed, falling back to memory")
	}
	f.mu.Lock()
	f.lastCheck = time.Now()
	f.mu.Unlock()
}

func call[T any](f *failover, primary, fallback func() (T, error)) (T, error) {
	if f.usePrimary() {
		v, err := primary()
		f.report(err)
		if err == nil {
			return v, nil
		}
	}
	return fallback()
}

// FailoverQueue routes to the primary transport until it errors, then to
// the fallback. Ids stranded in either side are re-pushed by the worker
// sweeper from the job store.
type FailoverQueue struct {
	primary  domain.QueueTransport
	fallback domain.QueueTransport
	state    *failover
}

func NewFailoverQueue(primary, fallback domain.QueueTransport, logger *zerolog.Logger) *FailoverQueue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverQueue{
		primary:  primary,
		fallback: fallback,
		state:    &failover{name: "queue", logger: logger},
	}
}

func (q *FailoverQueue) Push(ctx context.Context, id string, priority models.Priority, at time.Time) error {
	_, err := call(q.state,
		func() (struct{}, error) { return struct{}{}, q.primary.Push(ctx, id, priority, at) },
		func() (struct{}, error) { return struct{}{}, q.fallback.Push(ctx, id, priority, at) },
	)
	return err
}

// PopDue drains the fallback first so ids queued during an outage are
// not starved once the primary recovers.
func (q *FailoverQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := q.fallback.PopDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) >= limit {
		return ids, nil
	}
	more, err := call(q.state,
		func() ([]string, error) { return q.primary.PopDue(ctx, now, limit-len(ids)) },
		func() ([]string, error) { return nil, nil },
	)
	return append(ids, more...), err
}

func (q *FailoverQueue) Remove(ctx context.Context, id string) error {
	if err := q.fallback.Remove(ctx, id); err != nil {
		return err
	}
	_, err := call(q.state,
		func() (struct{}, error) { return struct{}{}, q.primary.Remove(ctx, id) },
		func() (struct{}, error) { return struct{}{}, nil },
	)
	return err
}

func (q *FailoverQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.fallback.Len(ctx)
	if err != nil {
		return 0, err
	}
	m, err := call(q.state,
		func() (int64, error) { return q.primary.Len(ctx) },
		func() (int64, error) { return 0, nil },
	)
	return n + m, err
}

// Degraded reports whether the primary is currently bypassed.
func (q *FailoverQueue) Degraded() bool {
	return q.state.isDown.Load()
}

// FailoverRateLimitStore prefers the shared Redis store and falls back
// to the local database when Redis is unreachable.
type FailoverRateLimitStore struct {
	primary  domain.RateLimitStore
	fallback domain.RateLimitStore
	state    *failover
}

func NewFailoverRateLimitStore(primary, fallback domain.RateLimitStore, logger *zerolog.Logger) *FailoverRateLimitStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverRateLimitStore{
		primary:  primary,
		fallback: fallback,
		state:    &failover{name: "rate_limits", logger: logger},
	}
}

func (s *FailoverRateLimitStore) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	if !s.state.usePrimary() {
		return s.fallback.GetRateLimit(ctx, key)
	}
	rec, err := s.primary.GetRateLimit(ctx, key)
	if err == nil || syncerr.Kind(err) == syncerr.ErrNotFound {
		s.state.report(nil)
		return rec, err
	}
	s.state.report(err)
	return s.fallback.GetRateLimit(ctx, key)
}

// SaveRateLimit writes through to the fallback so it stays warm.
func (s *FailoverRateLimitStore) SaveRateLimit(ctx context.Context, rec *models.RateLimitRecord) error {
	if err := s.fallback.SaveRateLimit(ctx, rec); err != nil {
		return err
	}
	_, err := call(s.state,
		func() (struct{}, error) { return struct{}{}, s.primary.SaveRateLimit(ctx, rec) },
		func() (struct{}, error) { return struct{}{}, nil },
	)
	return err
}
