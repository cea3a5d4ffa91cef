// Package orchestrator is the composition root of the sync engine. It owns
// the adapter registry and instances and routes every operation either
// straight through the executor or through the job queue.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgerbridge/internal/auth"
	"ledgerbridge/internal/dispatch"
	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/export"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/ratelimit"
	"ledgerbridge/internal/synccache"
	"ledgerbridge/internal/syncerr"
	"ledgerbridge/internal/worker"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Stores groups the persistence the orchestrator is built on. The SQLite
// database satisfies all of them; RateLimits may be a Redis store.
type Stores struct {
	Bindings   domain.BindingStore
	Cache      domain.CacheStore
	History    domain.HistoryStore
	RateLimits domain.RateLimitStore
	Jobs       domain.JobStore
	Exports    domain.ExportStore
}

type Options struct {
	Queue                 worker.Config
	Transport             domain.QueueTransport
	Sink                  export.Sink
	CacheTTL              time.Duration
	CacheSweepInterval    time.Duration
	ExportRetention       time.Duration
	ExportCleanupInterval time.Duration
	ExportPollInterval    time.Duration
	HealthTimeout         time.Duration
}

func (o *Options) applyDefaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = models.DefaultCacheTTL
	}
	if o.CacheSweepInterval <= 0 {
		o.CacheSweepInterval = time.Hour
	}
	if o.ExportRetention <= 0 {
		o.ExportRetention = models.DefaultExportRetention
	}
	if o.ExportCleanupInterval <= 0 {
		o.ExportCleanupInterval = time.Hour
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 10 * time.Second
	}
}

type instance struct {
	cfg     models.ProviderConfig
	adapter provider.Adapter
}

type Orchestrator struct {
	opts     Options
	registry *provider.Registry
	auth     *auth.Manager
	limits   *ratelimit.Governor
	cache    *synccache.Cache
	exec     *dispatch.Executor
	engine   *worker.Engine
	exports  *export.Tracker
	history  domain.HistoryStore
	bus      *events.EventBus
	logger   *zerolog.Logger

	mu        sync.RWMutex
	instances map[models.BindingKey]*instance
}

func New(opts Options, stores Stores, bus *events.EventBus, logger *zerolog.Logger) (*Orchestrator, error) {
	opts.applyDefaults()
	if opts.Sink == nil {
		return nil, fmt.Errorf("an export sink is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if bus == nil {
		bus = events.NewEventBus()
	}

	o := &Orchestrator{
		opts:      opts,
		registry:  provider.NewRegistry(),
		history:   stores.History,
		bus:       bus,
		logger:    logger,
		instances: make(map[models.BindingKey]*instance),
	}
	o.auth = auth.NewManager(stores.Bindings, bus, logger)
	o.limits = ratelimit.NewGovernor(stores.RateLimits, logger)
	o.cache = synccache.New(stores.Cache, opts.CacheTTL, logger)

	table := dispatch.NewTable()
	o.exec = dispatch.NewExecutor(table, o, o.auth, o.limits, o.cache, logger)

	engine, err := worker.NewEngine(opts.Queue, stores.Jobs, stores.History, opts.Transport, o.exec, bus, logger)
	if err != nil {
		return nil, err
	}
	o.engine = engine

	o.exports = export.NewTracker(stores.Exports, engine, opts.Sink, o, bus, logger)
	o.exports.Retention = opts.ExportRetention
	if opts.ExportPollInterval > 0 {
		o.exports.PollInterval = opts.ExportPollInterval
	}
	o.exports.Install(table)
	engine.AddGuard(o.exports.Guard)
	bus.Subscribe(events.EventJobFailed, o.exports.HandleJobFailed)

	return o, nil
}

func (o *Orchestrator) Engine() *worker.Engine { return o.engine }

func (o *Orchestrator) Exports() *export.Tracker { return o.exports }

func (o *Orchestrator) Auth() *auth.Manager { return o.auth }

func (o *Orchestrator) Cache() *synccache.Cache { return o.cache }

func (o *Orchestrator) Events() *events.EventBus { return o.bus }

// Run starts the queue workers, the cache sweeper and export cleanup, and
// blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.engine.Run(gctx) })
	g.Go(func() error {
		o.cache.Run(gctx, o.opts.CacheSweepInterval)
		return nil
	})
	g.Go(func() error {
		o.exports.Run(gctx, o.opts.ExportCleanupInterval)
		return nil
	})
	return g.Wait()
}

// RegisterAdapter makes a vendor available to Initialize.
func (o *Orchestrator) RegisterAdapter(name string, factory provider.Factory) error {
	return o.registry.Register(name, factory)
}

// Providers lists registered provider names.
func (o *Orchestrator) Providers() []string { return o.registry.Names() }

// Initialize builds the adapter instance for cfg, seeding its binding. The
// instance is cached per provider and tenant; later calls return it.
func (o *Orchestrator) Initialize(ctx context.Context, cfg models.ProviderConfig) (provider.Adapter, error) {
	key := models.BindingKey{Provider: cfg.Provider, TenantID: cfg.TenantID}

	o.mu.Lock()
	defer o.mu.Unlock()
	if inst, ok := o.instances[key]; ok {
		return inst.adapter, nil
	}

	factory, ok := o.registry.Lookup(cfg.Provider)
	if !ok {
		return nil, syncerr.Newf(syncerr.ErrNotSupported, "initialize", "no adapter registered for %q", cfg.Provider)
	}
	if _, err := o.auth.Seed(ctx, cfg); err != nil {
		return nil, err
	}
	adapter, err := factory(cfg, o.auth.Source(key))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", key, err)
	}
	o.auth.Attach(key, adapter)
	o.instances[key] = &instance{cfg: cfg, adapter: adapter}

	o.logger.Info().Str("binding", key.String()).Str("environment", string(cfg.Environment)).Msg("Provider initialized")
	return adapter, nil
}

// lookup finds the instance for key. A key without tenant matches the
// provider's only instance.
func (o *Orchestrator) lookup(key models.BindingKey) (models.BindingKey, *instance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if inst, ok := o.instances[key]; ok {
		return key, inst, nil
	}
	if key.TenantID == "" {
		var (
			foundKey models.BindingKey
			found    *instance
		)
		for k, inst := range o.instances {
			if k.Provider != key.Provider {
				continue
			}
			if found != nil {
				return key, nil, syncerr.Newf(syncerr.ErrValidation, "resolve provider",
					"provider %s has several tenants, name one", key.Provider)
			}
			foundKey, found = k, inst
		}
		if found != nil {
			return foundKey, found, nil
		}
	}
	return key, nil, syncerr.Newf(syncerr.ErrNotFound, "resolve provider", "provider %s is not initialized", key)
}

// Adapter returns the adapter serving key.
func (o *Orchestrator) Adapter(key models.BindingKey) (provider.Adapter, error) {
	_, inst, err := o.lookup(key)
	if err != nil {
		return nil, err
	}
	return inst.adapter, nil
}

// Bindings lists the keys of initialized instances in sorted order.
func (o *Orchestrator) Bindings() []models.BindingKey {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]models.BindingKey, 0, len(o.instances))
	for k := range o.instances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Capabilities reports what the named provider's adapter supports.
func (o *Orchestrator) Capabilities(name string) (provider.Info, error) {
	adapter, err := o.Adapter(models.BindingKey{Provider: name})
	if err != nil {
		return provider.Info{}, err
	}
	return adapter.Info(), nil
}

func (o *Orchestrator) AuthURL(key models.BindingKey, state string, scopes []string) (string, error) {
	_, inst, err := o.lookup(key)
	if err != nil {
		return "", err
	}
	if len(scopes) == 0 {
		scopes = inst.cfg.Scopes
	}
	return inst.adapter.AuthURL(state, scopes)
}

// Authorize completes the OAuth code flow for a binding.
func (o *Orchestrator) Authorize(ctx context.Context, key models.BindingKey, code string) (*models.ProviderBinding, error) {
	key, inst, err := o.lookup(key)
	if err != nil {
		return nil, err
	}
	return o.auth.Authorize(ctx, key, inst.adapter, inst.cfg, code)
}

// Revoke deactivates a binding; its instance stays registered.
func (o *Orchestrator) Revoke(ctx context.Context, key models.BindingKey) error {
	key, inst, err := o.lookup(key)
	if err != nil {
		return err
	}
	return o.auth.Revoke(ctx, key, inst.adapter)
}

// Health is the result of validating one binding's credentials.
type Health struct {
	Binding models.BindingKey `json:"binding"`
	Healthy bool              `json:"healthy"`
	Error   string            `json:"error,omitempty"`
	Latency time.Duration     `json:"latency"`
}

// HealthCheck validates every instance's credentials concurrently.
func (o *Orchestrator) HealthCheck(ctx context.Context) []Health {
	keys := o.Bindings()
	out := make([]Health, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key models.BindingKey) {
			defer wg.Done()
			out[i] = o.check(ctx, key)
		}(i, key)
	}
	wg.Wait()
	return out
}

func (o *Orchestrator) check(ctx context.Context, key models.BindingKey) Health {
	h := Health{Binding: key}
	adapter, err := o.Adapter(key)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	cctx, cancel := context.WithTimeout(ctx, o.opts.HealthTimeout)
	defer cancel()
	start := time.Now()
	ok, err := adapter.ValidateAuth(cctx)
	h.Latency = time.Since(start)
	switch {
	case err != nil:
		h.Error = err.Error()
	case !ok:
		h.Error = "credentials rejected"
	default:
		h.Healthy = true
	}
	return h
}

type Stats struct {
	Providers int                `json:"providers"`
	Bindings  int                `json:"bindings"`
	Jobs      models.JobStats    `json:"jobs"`
	Exports   models.ExportStats `json:"exports"`
}

func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	jobs, err := o.engine.Stats(ctx)
	if err != nil {
		return nil, err
	}
	exports, err := o.exports.Stats(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	bindings := len(o.instances)
	o.mu.RUnlock()
	return &Stats{
		Providers: len(o.registry.Names()),
		Bindings:  bindings,
		Jobs:      jobs,
		Exports:   exports,
	}, nil
}

type CleanupResult struct {
	Exports       int   `json:"exports"`
	CachedEntries int64 `json:"cached_entries"`
}

// Cleanup removes expired exports and cache entries now rather than
// waiting for the background sweeps.
func (o *Orchestrator) Cleanup(ctx context.Context) (*CleanupResult, error) {
	n, err := o.exports.Cleanup(ctx)
	if err != nil {
		return nil, err
	}
	evicted, err := o.cache.Evict(ctx)
	if err != nil {
		return nil, err
	}
	return &CleanupResult{Exports: n, CachedEntries: evicted}, nil
}
