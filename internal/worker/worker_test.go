package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ledgerbridge/internal/database"
	"ledgerbridge/internal/dispatch"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/repository"
	"ledgerbridge/internal/syncerr"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRunner returns the next scripted error on every call; nil once the
// script runs out.
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	errs  []error
	last  *dispatch.Request
}

func (r *fakeRunner) Run(_ context.Context, _ models.BindingKey, req *dispatch.Request) (*dispatch.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = req
	if len(r.errs) > 0 {
		err := r.errs[0]
		if len(r.errs) > 1 {
			r.errs = r.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return &dispatch.Result{Changed: []string{"C-1"}}, nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "worker.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newEngine(t *testing.T, mode Mode, runner Runner) (*Engine, *database.DB, *clock, *events.EventBus) {
	t.Helper()
	db := newTestDB(t)
	bus := events.NewEventBus()
	var transport *repository.MemoryQueue
	if mode != ModeInline {
		transport = repository.NewMemoryQueue()
	}
	cfg := Config{Mode: mode, LeaseTimeout: time.Minute, Retry: RetryPolicy{BaseDelay: time.Second}}
	var (
		e   *Engine
		err error
	)
	if transport != nil {
		e, err = NewEngine(cfg, db, db, transport, runner, bus, nil)
	} else {
		e, err = NewEngine(cfg, db, db, nil, runner, bus, nil)
	}
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	c := &clock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	e.SetClock(c.Now)
	return e, db, c, bus
}

// listJob builds a list job; without maxRetries it takes the policy default.
func listJob(maxRetries ...int) Job {
	j := Job{
		Provider: "xero",
		TenantID: "acme",
		Request:  dispatch.Request{Operation: models.OpList, EntityType: models.EntityCustomer},
	}
	if len(maxRetries) > 0 {
		j.MaxRetries = Retries(maxRetries[0])
	}
	return j
}

func mustJob(t *testing.T, e *Engine, id string) *models.QueueJob {
	t.Helper()
	job, err := e.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func processDue(t *testing.T, e *Engine) int {
	t.Helper()
	n, err := e.ProcessDue(context.Background())
	if err != nil {
		t.Fatalf("process due: %v", err)
	}
	return n
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second}
	prev := time.Duration(0)
	for n, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		got := policy.Delay(n)
		if got != want {
			t.Fatalf("retry %d: expected %s, got %s", n, want, got)
		}
		if got <= prev {
			t.Fatalf("retry %d: delay %s not greater than %s", n, got, prev)
		}
		prev = got
	}

	capped := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	if d := capped.Delay(5); d != 5*time.Second {
		t.Fatalf("expected capped 5s, got %s", d)
	}
	if d := (RetryPolicy{}).Delay(0); d != models.DefaultBaseDelay {
		t.Fatalf("expected default base delay, got %s", d)
	}
}

func TestEngine_TransientFailureExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{errs: []error{syncerr.New(syncerr.ErrTransient, "list", "connection reset")}}
	e, db, c, bus := newEngine(t, ModeMemory, runner)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		retryIn []time.Duration
	)
	bus.Subscribe(events.EventJobRetry, func(ev *events.Event) error {
		var p events.JobEventPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		retryIn = append(retryIn, p.RetryIn)
		mu.Unlock()
		return nil
	})

	id, err := e.Enqueue(ctx, listJob(2))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processDue(t, e)
	job := mustJob(t, e, id)
	if job.Status != models.JobPending || job.RetryCount != 1 {
		t.Fatalf("after attempt 1 expected pending/1, got %s/%d", job.Status, job.RetryCount)
	}
	if !job.ScheduledAt.Equal(c.Now().Add(time.Second)) {
		t.Fatalf("expected retry in 1s, scheduled at %v", job.ScheduledAt)
	}

	if n := processDue(t, e); n != 0 {
		t.Fatalf("job ran before its backoff elapsed")
	}

	c.Advance(time.Second)
	processDue(t, e)
	job = mustJob(t, e, id)
	if job.RetryCount != 2 || !job.ScheduledAt.Equal(c.Now().Add(2*time.Second)) {
		t.Fatalf("after attempt 2 expected retry 2 in 2s, got %d at %v", job.RetryCount, job.ScheduledAt)
	}

	c.Advance(2 * time.Second)
	processDue(t, e)
	job = mustJob(t, e, id)
	if job.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.RetryCount > job.MaxRetries {
		t.Fatalf("retry count %d exceeds max %d", job.RetryCount, job.MaxRetries)
	}
	if job.Error == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if runner.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", runner.Calls())
	}

	c.Advance(time.Hour)
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	processDue(t, e)
	if runner.Calls() != 3 {
		t.Fatalf("failed job was rescheduled")
	}

	mu.Lock()
	if len(retryIn) != 2 || retryIn[0] != time.Second || retryIn[1] != 2*time.Second {
		t.Fatalf("unexpected retry delays %v", retryIn)
	}
	mu.Unlock()

	history, err := db.ListHistory(ctx, models.HistoryFilter{JobID: id})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history records, got %d", len(history))
	}
}

func TestEngine_ZeroMaxRetriesFailsOnFirstError(t *testing.T) {
	runner := &fakeRunner{errs: []error{syncerr.New(syncerr.ErrTransient, "list", "connection reset")}}
	e, _, _, _ := newEngine(t, ModeMemory, runner)
	ctx := context.Background()

	id, err := e.Enqueue(ctx, listJob(0))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job := mustJob(t, e, id); job.MaxRetries != 0 {
		t.Fatalf("expected max retries 0, got %d", job.MaxRetries)
	}

	processDue(t, e)
	job := mustJob(t, e, id)
	if job.Status != models.JobFailed || job.RetryCount != 0 {
		t.Fatalf("expected failed after one attempt, got %s/%d", job.Status, job.RetryCount)
	}
	if runner.Calls() != 1 {
		t.Fatalf("expected 1 attempt, got %d", runner.Calls())
	}
}

func TestEngine_PolicyZeroRetriesIsHonoured(t *testing.T) {
	db := newTestDB(t)
	cfg := Config{Mode: ModeMemory, Retry: RetryPolicy{MaxRetries: Retries(0), BaseDelay: time.Second}}
	e, err := NewEngine(cfg, db, db, repository.NewMemoryQueue(), &fakeRunner{}, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	id, err := e.Enqueue(context.Background(), listJob())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job := mustJob(t, e, id); job.MaxRetries != 0 {
		t.Fatalf("expected policy max retries 0, got %d", job.MaxRetries)
	}
}

func TestEngine_RateLimitDoesNotConsumeRetry(t *testing.T) {
	runner := &fakeRunner{errs: []error{syncerr.RateLimited("list", 5*time.Second), nil}}
	e, _, c, _ := newEngine(t, ModeMemory, runner)

	id, err := e.Enqueue(context.Background(), listJob(1))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	processDue(t, e)

	job := mustJob(t, e, id)
	if job.Status != models.JobPending || job.RetryCount != 0 {
		t.Fatalf("expected pending with no retry consumed, got %s/%d", job.Status, job.RetryCount)
	}
	if !job.ScheduledAt.Equal(c.Now().Add(5 * time.Second)) {
		t.Fatalf("expected reschedule at retry-after, got %v", job.ScheduledAt)
	}

	c.Advance(5 * time.Second)
	processDue(t, e)
	job = mustJob(t, e, id)
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.Error)
	}
	if len(job.Result) == 0 {
		t.Fatalf("expected stored result")
	}
}

func TestEngine_PermanentErrorFailsImmediately(t *testing.T) {
	for _, kind := range []error{syncerr.ErrValidation, syncerr.ErrNotSupported, syncerr.ErrAuth, syncerr.ErrConflict} {
		t.Run(kind.Error(), func(t *testing.T) {
			runner := &fakeRunner{errs: []error{syncerr.New(kind, "list", "nope")}}
			e, _, _, _ := newEngine(t, ModeMemory, runner)

			id, err := e.Enqueue(context.Background(), listJob(3))
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			processDue(t, e)

			job := mustJob(t, e, id)
			if job.Status != models.JobFailed || job.RetryCount != 0 {
				t.Fatalf("expected failed without retry, got %s/%d", job.Status, job.RetryCount)
			}
		})
	}
}

func TestEngine_InlineMode(t *testing.T) {
	runner := &fakeRunner{errs: []error{nil, syncerr.New(syncerr.ErrTransient, "list", "timeout")}}
	e, _, _, _ := newEngine(t, ModeInline, runner)
	ctx := context.Background()

	if e.Mode() != ModeInline {
		t.Fatalf("expected inline mode")
	}

	id, err := e.Enqueue(ctx, listJob(3))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job := mustJob(t, e, id); job.Status != models.JobCompleted {
		t.Fatalf("expected inline job completed, got %s", job.Status)
	}

	id, err = e.Enqueue(ctx, listJob(3))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := mustJob(t, e, id)
	if job.Status != models.JobFailed || job.RetryCount != 0 {
		t.Fatalf("inline failures are final, got %s/%d", job.Status, job.RetryCount)
	}
}

func TestEngine_GuardStopsJob(t *testing.T) {
	runner := &fakeRunner{}
	e, _, _, _ := newEngine(t, ModeMemory, runner)
	e.AddGuard(func(_ context.Context, job *models.QueueJob) error {
		if job.ExportID == "cancelled" {
			return syncerr.New(syncerr.ErrInvalidState, "export", "cancelled")
		}
		return nil
	})

	j := listJob(3)
	j.ExportID = "cancelled"
	id, err := e.Enqueue(context.Background(), j)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	processDue(t, e)

	if job := mustJob(t, e, id); job.Status != models.JobFailed {
		t.Fatalf("expected guarded job failed, got %s", job.Status)
	}
	if runner.Calls() != 0 {
		t.Fatalf("guarded job was dispatched")
	}
}

func TestEngine_PriorityOrder(t *testing.T) {
	runner := &fakeRunner{}
	e, _, _, _ := newEngine(t, ModeMemory, runner)
	ctx := context.Background()

	low := listJob()
	low.Priority = models.PriorityLow
	high := listJob()
	high.Priority = models.PriorityHigh
	high.Request.EntityType = models.EntityInvoice

	if _, err := e.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.Enqueue(ctx, high); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ids, err := e.transport.PopDue(ctx, e.now(), 1)
	if err != nil || len(ids) != 1 {
		t.Fatalf("pop: %v %v", ids, err)
	}
	e.process(ctx, ids[0])
	if runner.last.EntityType != models.EntityInvoice {
		t.Fatalf("expected high priority job first, got %s", runner.last.EntityType)
	}
}

func TestEngine_EnqueueValidation(t *testing.T) {
	e, _, _, _ := newEngine(t, ModeMemory, &fakeRunner{})
	ctx := context.Background()

	if _, err := e.Enqueue(ctx, Job{Request: dispatch.Request{Operation: models.OpList}}); !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error for missing provider, got %v", err)
	}
	bad := listJob()
	bad.Priority = "urgent"
	if _, err := e.Enqueue(ctx, bad); !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error for priority, got %v", err)
	}

	none := listJob(0)
	id, err := e.Enqueue(ctx, none)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job := mustJob(t, e, id); job.MaxRetries != 0 {
		t.Fatalf("expected no retries, got %d", job.MaxRetries)
	}
	id, _ = e.Enqueue(ctx, listJob())
	if job := mustJob(t, e, id); job.MaxRetries != models.DefaultMaxRetries {
		t.Fatalf("expected default retries, got %d", job.MaxRetries)
	}
	if _, err := e.Enqueue(ctx, listJob(-1)); !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error for negative retries, got %v", err)
	}
}

func pendingJob(id string, at time.Time) *models.QueueJob {
	return &models.QueueJob{
		ID:          id,
		Provider:    "xero",
		Operation:   models.OpList,
		EntityType:  models.EntityCustomer,
		Status:      models.JobPending,
		Priority:    models.PriorityNormal,
		MaxRetries:  3,
		ScheduledAt: at,
	}
}

func TestEngine_SweepRecoversLostAndStaleJobs(t *testing.T) {
	runner := &fakeRunner{}
	e, db, c, _ := newEngine(t, ModeMemory, runner)
	ctx := context.Background()

	if err := db.CreateJob(ctx, pendingJob("lost", c.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := db.CreateJob(ctx, pendingJob("stuck", c.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := db.ClaimJob(ctx, "stuck", c.Now()); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	c.Advance(2 * time.Minute)
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	job := mustJob(t, e, "stuck")
	if job.Status != models.JobPending || job.RetryCount != 1 {
		t.Fatalf("expected stale job requeued as retry, got %s/%d", job.Status, job.RetryCount)
	}

	processDue(t, e)
	if job := mustJob(t, e, "lost"); job.Status != models.JobCompleted {
		t.Fatalf("expected lost job completed, got %s", job.Status)
	}

	c.Advance(time.Second)
	processDue(t, e)
	if job := mustJob(t, e, "stuck"); job.Status != models.JobCompleted {
		t.Fatalf("expected stuck job completed, got %s", job.Status)
	}
}

func TestEngine_RunProcessesJobs(t *testing.T) {
	runner := &fakeRunner{}
	db := newTestDB(t)
	e, err := NewEngine(Config{Mode: ModeMemory, Workers: 2, PollInterval: 10 * time.Millisecond}, db, db, repository.NewMemoryQueue(), runner, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if e.Mode() != ModeMemory || e.Policy().BaseDelay != models.DefaultBaseDelay {
		t.Fatalf("unexpected engine defaults: mode %s, policy %+v", e.Mode(), e.Policy())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := e.Enqueue(ctx, listJob())
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for {
			if job := mustJob(t, e, id); job.Status == models.JobCompleted {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("job %s not completed in time", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	stats, err := e.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[models.JobCompleted] != 5 {
		t.Fatalf("expected 5 completed, got %v", stats)
	}
}

func TestNewEngine_RequiresTransport(t *testing.T) {
	db := newTestDB(t)
	if _, err := NewEngine(Config{Mode: ModeDurable}, db, db, nil, &fakeRunner{}, nil, nil); err == nil {
		t.Fatalf("expected error without transport")
	}
	if _, err := NewEngine(Config{Mode: "kafka"}, db, db, nil, &fakeRunner{}, nil, nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
