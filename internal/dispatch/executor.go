package dispatch

import (
	"context"
	"errors"
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/ratelimit"
	"ledgerbridge/internal/synccache"
	"ledgerbridge/internal/syncerr"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Resolver finds the adapter instance serving a binding.
type Resolver interface {
	Adapter(key models.BindingKey) (provider.Adapter, error)
}

// Tokens is the slice of the auth manager the executor needs.
type Tokens interface {
	Token(ctx context.Context, key models.BindingKey) (models.Token, error)
	Refresh(ctx context.Context, key models.BindingKey, stale string) (models.Token, error)
}

// Executor runs one request: reserve budget, dispatch, recover once from
// an expired token, then record the vendor's reported headroom.
type Executor struct {
	table     *Table
	adapters  Resolver
	tokens    Tokens
	limits    *ratelimit.Governor
	cache     *synccache.Cache
	validator *validator.Validate
	logger    *zerolog.Logger
}

func NewExecutor(table *Table, adapters Resolver, tokens Tokens, limits *ratelimit.Governor, cache *synccache.Cache, logger *zerolog.Logger) *Executor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "dispatch").Logger()
	return &Executor{
		table:     table,
		adapters:  adapters,
		tokens:    tokens,
		limits:    limits,
		cache:     cache,
		validator: NewValidator(),
		logger:    &l,
	}
}

func (x *Executor) Table() *Table { return x.table }

func (x *Executor) Validator() *validator.Validate { return x.validator }

// Run executes req against the binding key.
func (x *Executor) Run(ctx context.Context, key models.BindingKey, req *Request) (*Result, error) {
	h, ok := x.table.Lookup(req.Operation)
	if !ok {
		return nil, syncerr.NotSupported(key.Provider, req.Operation.String())
	}
	adapter, err := x.adapters.Adapter(key)
	if err != nil {
		return nil, err
	}

	endpoint := req.Endpoint()
	limitKey := models.RateLimitKey{Provider: key.Provider, TenantID: key.TenantID, Endpoint: endpoint}
	if x.limits != nil {
		d, err := x.limits.Reserve(ctx, limitKey)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			x.logger.Debug().Str("key", limitKey.String()).Dur("retry_after", d.RetryAfter).Msg("Reservation denied")
			return nil, syncerr.RateLimited(req.Operation.String(), d.RetryAfter).WithProvider(key.Provider)
		}
	}

	// The token the adapter is about to use; a refresh is only needed if
	// nobody has replaced it by the time the vendor rejects it.
	var stale string
	if x.tokens != nil {
		if tok, err := x.tokens.Token(ctx, key); err == nil {
			stale = tok.AccessToken
		}
	}

	// Headroom the adapter already held; only figures newer than this came
	// from the calls below.
	var prior models.RateLimitInfo
	if x.limits != nil {
		prior, _ = adapter.RateLimit(ctx, endpoint)
	}

	env := &Env{Binding: key, Adapter: adapter, Cache: x.cache, Validator: x.validator}
	start := time.Now()
	res, err := h(ctx, env, req)
	if err != nil && errors.Is(err, syncerr.ErrAuth) && x.tokens != nil {
		x.logger.Info().Str("binding", key.String()).Str("operation", req.Operation.String()).Msg("Vendor rejected token, refreshing")
		if _, rerr := x.tokens.Refresh(ctx, key, stale); rerr != nil {
			return nil, rerr
		}
		res, err = h(ctx, env, req)
	}

	x.observe(ctx, adapter, limitKey, prior)

	if err != nil {
		x.logger.Debug().Err(err).
			Str("binding", key.String()).
			Str("operation", req.Operation.String()).
			Dur("elapsed", time.Since(start)).
			Msg("Operation failed")
		return nil, err
	}
	return res, nil
}

// observe feeds the governor what the adapter learned during this run. A
// report no newer than prior means the vendor sent no headers, and the
// governor's own estimate stands.
func (x *Executor) observe(ctx context.Context, adapter provider.Adapter, key models.RateLimitKey, prior models.RateLimitInfo) {
	if x.limits == nil {
		return
	}
	info, err := adapter.RateLimit(ctx, key.Endpoint)
	if err != nil {
		if !errors.Is(err, syncerr.ErrNotSupported) {
			x.logger.Warn().Err(err).Str("key", key.String()).Msg("Rate limit introspection failed")
		}
		return
	}
	if !info.ObservedAt.After(prior.ObservedAt) {
		return
	}
	if err := x.limits.ObserveInfo(ctx, key, info); err != nil {
		x.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to record rate limit")
	}
}
