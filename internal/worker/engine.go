// Package worker persists queue jobs, pulls them in priority and due
// order, and applies the retry policy to their outcomes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgerbridge/internal/dispatch"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/metrics"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Mode string

const (
	// ModeDurable persists jobs and moves ids through Redis.
	ModeDurable Mode = "durable"
	// ModeMemory persists jobs and moves ids through an in-process queue.
	ModeMemory Mode = "memory"
	// ModeInline runs each job once inside Enqueue. There is no backoff
	// and no retry; a failure is final.
	ModeInline Mode = "inline"
)

// Runner executes one decoded request against a binding.
type Runner interface {
	Run(ctx context.Context, key models.BindingKey, req *dispatch.Request) (*dispatch.Result, error)
}

// Guard is consulted after a job is claimed and before it is dispatched.
// A non-nil error fails the job without retry.
type Guard func(ctx context.Context, job *models.QueueJob) error

type Config struct {
	Mode          Mode
	Workers       int
	PollInterval  time.Duration
	SweepInterval time.Duration
	LeaseTimeout  time.Duration
	BatchSize     int
	Retry         RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeMemory
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	c.Retry = c.Retry.withDefaults()
}

// Job is what callers hand to Enqueue. A nil MaxRetries takes the policy
// default; zero means the job is never retried.
type Job struct {
	Provider   string
	TenantID   string
	Request    dispatch.Request
	MaxRetries *int
	Priority   models.Priority
	ExportID   string
}

type Engine struct {
	cfg       Config
	store     domain.JobStore
	history   domain.HistoryStore
	transport domain.QueueTransport
	runner    Runner
	events    domain.EventPublisher
	logger    *zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	guards []Guard

	wake chan struct{}
}

func NewEngine(
	cfg Config,
	store domain.JobStore,
	history domain.HistoryStore,
	transport domain.QueueTransport,
	runner Runner,
	publisher domain.EventPublisher,
	logger *zerolog.Logger,
) (*Engine, error) {
	cfg.applyDefaults()
	switch cfg.Mode {
	case ModeDurable, ModeMemory:
		if transport == nil {
			return nil, fmt.Errorf("queue mode %s requires a transport", cfg.Mode)
		}
	case ModeInline:
	default:
		return nil, fmt.Errorf("unknown queue mode %q", cfg.Mode)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "worker").Str("mode", string(cfg.Mode)).Logger()
	if cfg.Mode == ModeInline {
		l.Warn().Msg("Inline queue mode: jobs run once on enqueue without retry or backoff")
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		history:   history,
		transport: transport,
		runner:    runner,
		events:    publisher,
		logger:    &l,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}, nil
}

func (e *Engine) Mode() Mode { return e.cfg.Mode }

func (e *Engine) Policy() RetryPolicy { return e.cfg.Retry }

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) AddGuard(g Guard) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guards = append(e.guards, g)
}

// Enqueue persists a pending job due now and hands it to the transport.
// In inline mode the job has already run when Enqueue returns.
func (e *Engine) Enqueue(ctx context.Context, j Job) (string, error) {
	if j.Provider == "" {
		return "", syncerr.New(syncerr.ErrValidation, "enqueue", "provider is required")
	}
	if j.Request.Operation == "" {
		return "", syncerr.New(syncerr.ErrValidation, "enqueue", "operation is required")
	}
	if j.Priority == "" {
		j.Priority = models.PriorityNormal
	}
	if !j.Priority.Valid() {
		return "", syncerr.Newf(syncerr.ErrValidation, "enqueue", "unknown priority %q", j.Priority)
	}
	maxRetries := *e.cfg.Retry.MaxRetries
	if j.MaxRetries != nil {
		if *j.MaxRetries < 0 {
			return "", syncerr.Newf(syncerr.ErrValidation, "enqueue", "max retries must not be negative, got %d", *j.MaxRetries)
		}
		maxRetries = *j.MaxRetries
	}

	args, err := json.Marshal(j.Request)
	if err != nil {
		return "", syncerr.Wrap(syncerr.ErrValidation, "encode job args", err)
	}

	entityType := j.Request.EntityType
	if entityType == "" && j.Request.Entity != nil {
		entityType = j.Request.Entity.EntityType()
	}

	now := e.now()
	job := &models.QueueJob{
		ID:          uuid.NewString(),
		Provider:    j.Provider,
		TenantID:    j.TenantID,
		Operation:   j.Request.Operation,
		EntityType:  entityType,
		Args:        args,
		Status:      models.JobPending,
		Priority:    j.Priority,
		RetryCount:  0,
		MaxRetries:  maxRetries,
		ScheduledAt: now,
		ExportID:    j.ExportID,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	e.publish(events.EventJobEnqueued, job, "", 0)

	if e.cfg.Mode == ModeInline {
		e.process(ctx, job.ID)
		return job.ID, nil
	}

	if err := e.transport.Push(ctx, job.ID, job.Priority, now); err != nil {
		// The sweeper re-pushes due jobs from the store.
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Transport push failed, job left for sweeper")
	}
	e.notify()
	return job.ID, nil
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Job returns the current state of a job.
func (e *Engine) Job(ctx context.Context, id string) (*models.QueueJob, error) {
	return e.store.GetJob(ctx, id)
}

// Stats counts jobs by status and publishes the counts as gauges.
func (e *Engine) Stats(ctx context.Context) (models.JobStats, error) {
	stats, err := e.store.JobStats(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range []models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed} {
		metrics.SetQueueDepth(string(s), stats[s])
	}
	return stats, nil
}

// Run starts the workers and the sweeper and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Mode == ModeInline {
		<-ctx.Done()
		return nil
	}
	e.logger.Info().Int("workers", e.cfg.Workers).Msg("Queue engine started")
	defer e.logger.Info().Msg("Queue engine stopped")

	ids := make(chan string, e.cfg.BatchSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(ids)
		e.feed(gctx, ids)
		return nil
	})
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for id := range ids {
				e.process(gctx, id)
			}
			return nil
		})
	}
	g.Go(func() error {
		e.sweepLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (e *Engine) feed(ctx context.Context, out chan<- string) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		popped, err := e.transport.PopDue(ctx, e.now(), e.cfg.BatchSize)
		if err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("Failed to pop due jobs")
		}
		for _, id := range popped {
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
		if len(popped) == e.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("Queue sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessDue pops and runs due jobs on the calling goroutine until none
// are left. It returns how many jobs were popped.
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	if e.transport == nil {
		return 0, nil
	}
	total := 0
	for {
		ids, err := e.transport.PopDue(ctx, e.now(), e.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			e.process(ctx, id)
		}
		total += len(ids)
		if len(ids) < e.cfg.BatchSize {
			return total, nil
		}
	}
}

// Sweep re-pushes due pending jobs the transport may have lost and
// recovers jobs whose worker vanished mid-flight. A recovered job counts
// as a failed attempt.
func (e *Engine) Sweep(ctx context.Context) error {
	if e.transport == nil {
		return nil
	}
	now := e.now()

	due, err := e.store.DueJobs(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, j := range due {
		if err := e.transport.Push(ctx, j.ID, j.Priority, j.ScheduledAt); err != nil {
			return err
		}
	}

	stale, err := e.store.StaleJobs(ctx, now.Add(-e.cfg.LeaseTimeout))
	if err != nil {
		return err
	}
	for _, j := range stale {
		cause := errors.New("lease expired while processing")
		e.logger.Warn().Str("job_id", j.ID).Time("started_at", derefTime(j.StartedAt)).Msg("Recovering stale job")
		if j.Exhausted() {
			e.record(ctx, j, nil, models.HistoryFailed, cause, derefTime(j.StartedAt))
			e.fail(ctx, j, cause, now)
			continue
		}
		e.record(ctx, j, nil, models.HistoryRetry, cause, derefTime(j.StartedAt))
		e.retry(ctx, j, cause, j.RetryCount+1, e.cfg.Retry.Delay(j.RetryCount), now)
	}
	if len(due) > 0 || len(stale) > 0 {
		e.notify()
	}
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (e *Engine) guardList() []Guard {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Guard(nil), e.guards...)
}

// process claims id and runs it. Losing the claim means another worker
// has it or it is no longer pending; both are fine.
func (e *Engine) process(ctx context.Context, id string) {
	// Bookkeeping must land even when ctx is cancelled mid-dispatch.
	bctx := context.WithoutCancel(ctx)

	start := e.now()
	ok, err := e.store.ClaimJob(bctx, id, start)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", id).Msg("Failed to claim job")
		return
	}
	if !ok {
		return
	}
	job, err := e.store.GetJob(bctx, id)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", id).Msg("Failed to load claimed job")
		return
	}

	log := e.logger.With().
		Str("job_id", job.ID).
		Str("provider", job.Provider).
		Str("operation", job.Operation.String()).
		Int("retry_count", job.RetryCount).
		Logger()

	for _, g := range e.guardList() {
		if err := g(bctx, job); err != nil {
			log.Info().Err(err).Msg("Job stopped by guard")
			e.record(bctx, job, nil, models.HistoryFailed, err, start)
			e.fail(bctx, job, err, e.now())
			return
		}
	}

	req, err := dispatch.DecodeRequest(job)
	if err != nil {
		e.record(bctx, job, nil, models.HistoryFailed, err, start)
		e.fail(bctx, job, err, e.now())
		return
	}

	res, err := e.runner.Run(ctx, job.Binding(), req)
	now := e.now()
	elapsed := time.Since(start)

	if err == nil {
		var raw json.RawMessage
		if res != nil {
			if raw, err = json.Marshal(res); err != nil {
				log.Warn().Err(err).Msg("Failed to encode job result")
				raw = nil
			}
		}
		if err := e.store.CompleteJob(bctx, job.ID, raw, now); err != nil {
			log.Error().Err(err).Msg("Failed to mark job completed")
			return
		}
		metrics.ObserveJob(job.Provider, job.Operation.String(), "success", elapsed)
		e.record(bctx, job, req, models.HistorySuccess, nil, start)
		job.Status = models.JobCompleted
		e.publish(events.EventJobCompleted, job, "", 0)
		log.Debug().Dur("elapsed", elapsed).Msg("Job completed")
		return
	}

	if after, limited := syncerr.RetryAfter(err); limited && e.cfg.Mode != ModeInline {
		if after <= 0 {
			after = e.cfg.Retry.BaseDelay
		}
		metrics.ObserveJob(job.Provider, job.Operation.String(), "rate_limited", elapsed)
		e.record(bctx, job, req, models.HistoryRetry, err, start)
		log.Info().Dur("retry_after", after).Msg("Job rate limited, rescheduling")
		e.reschedule(bctx, job, err, job.RetryCount, after, now, events.EventJobRescheduled)
		return
	}

	if e.cfg.Mode == ModeInline || syncerr.IsPermanent(err) || job.Exhausted() || !syncerr.IsRetryable(err) {
		metrics.ObserveJob(job.Provider, job.Operation.String(), "failed", elapsed)
		e.record(bctx, job, req, models.HistoryFailed, err, start)
		log.Warn().Err(err).Msg("Job failed")
		e.fail(bctx, job, err, now)
		return
	}

	metrics.ObserveJob(job.Provider, job.Operation.String(), "retry", elapsed)
	e.record(bctx, job, req, models.HistoryRetry, err, start)
	delay := e.cfg.Retry.Delay(job.RetryCount)
	log.Info().Err(err).Dur("delay", delay).Msg("Job failed, retrying")
	e.retry(bctx, job, err, job.RetryCount+1, delay, now)
}

func (e *Engine) retry(ctx context.Context, job *models.QueueJob, cause error, retryCount int, delay time.Duration, now time.Time) {
	e.reschedule(ctx, job, cause, retryCount, delay, now, events.EventJobRetry)
}

func (e *Engine) reschedule(ctx context.Context, job *models.QueueJob, cause error, retryCount int, delay time.Duration, now time.Time, event string) {
	at := now.Add(delay)
	if err := e.store.RescheduleJob(ctx, job.ID, retryCount, at, cause.Error()); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reschedule job")
		return
	}
	job.Status = models.JobPending
	job.RetryCount = retryCount
	job.ScheduledAt = at
	if err := e.transport.Push(ctx, job.ID, job.Priority, at); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Transport push failed, job left for sweeper")
	}
	e.publish(event, job, cause.Error(), delay)
}

func (e *Engine) fail(ctx context.Context, job *models.QueueJob, cause error, now time.Time) {
	if err := e.store.FailJob(ctx, job.ID, cause.Error(), now); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
		return
	}
	job.Status = models.JobFailed
	e.publish(events.EventJobFailed, job, cause.Error(), 0)
}

func (e *Engine) record(ctx context.Context, job *models.QueueJob, req *dispatch.Request, status models.HistoryStatus, cause error, start time.Time) {
	if e.history == nil {
		return
	}
	done := e.now()
	rec := &models.SyncHistoryRecord{
		JobID:       job.ID,
		Provider:    job.Provider,
		TenantID:    job.TenantID,
		EntityType:  job.EntityType,
		Operation:   job.Operation,
		Status:      status,
		RetryCount:  job.RetryCount,
		StartedAt:   start,
		CompletedAt: &done,
	}
	if req != nil {
		rec.EntityID = req.ID
		if rec.EntityID == "" && req.Entity != nil {
			rec.EntityID = req.Entity.ExternalID()
		}
	}
	if cause != nil {
		rec.Error = cause.Error()
		if kind := syncerr.Kind(cause); kind != nil {
			rec.Metadata = map[string]string{"kind": kind.Error()}
		}
	}
	if job.ExportID != "" {
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		rec.Metadata["export_id"] = job.ExportID
	}
	if err := e.history.AppendHistory(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to append sync history")
	}
}

func (e *Engine) publish(eventType string, job *models.QueueJob, errMsg string, retryIn time.Duration) {
	if e.events == nil {
		return
	}
	err := e.events.PublishJSON(eventType, events.JobEventPayload{
		JobID:      job.ID,
		Provider:   job.Provider,
		TenantID:   job.TenantID,
		Operation:  job.Operation.String(),
		EntityType: job.EntityType.String(),
		Status:     string(job.Status),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		Error:      errMsg,
		RetryIn:    retryIn,
		ExportID:   job.ExportID,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
