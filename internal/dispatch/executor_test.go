package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ledgerbridge/internal/database"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/provider/providertest"
	"ledgerbridge/internal/ratelimit"
	"ledgerbridge/internal/synccache"
	"ledgerbridge/internal/syncerr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var binding = models.BindingKey{Provider: "fake", TenantID: "acme"}

type adapters map[models.BindingKey]provider.Adapter

func (a adapters) Adapter(key models.BindingKey) (provider.Adapter, error) {
	if ad, ok := a[key]; ok {
		return ad, nil
	}
	return nil, syncerr.New(syncerr.ErrNotFound, "adapter", key.String())
}

// stubTokens hands out current and swaps in next on Refresh.
type stubTokens struct {
	mu        sync.Mutex
	current   string
	next      string
	refreshes int
}

func (s *stubTokens) Token(context.Context, models.BindingKey) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Token{AccessToken: s.current}, nil
}

func (s *stubTokens) Refresh(context.Context, models.BindingKey, string) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	s.current = s.next
	return models.Token{AccessToken: s.current}, nil
}

func (s *stubTokens) source() provider.TokenSource {
	return provider.TokenSourceFunc(func(ctx context.Context) (models.Token, error) {
		return s.Token(ctx, binding)
	})
}

type fixture struct {
	exec   *Executor
	fake   *providertest.Fake
	tokens *stubTokens
	limits *ratelimit.Governor
	cache  *synccache.Cache
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "dispatch.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fake := providertest.New("fake")
	tokens := &stubTokens{current: "good", next: "good"}
	fake.Tokens = tokens.source()
	limits := ratelimit.NewGovernor(db, nil)
	cache := synccache.New(db, time.Hour, nil)
	exec := NewExecutor(NewTable(), adapters{binding: fake}, tokens, limits, cache, nil)
	return &fixture{exec: exec, fake: fake, tokens: tokens, limits: limits, cache: cache}
}

func decimalOf(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

func acme() *models.Customer {
	return &models.Customer{Name: "Acme", Email: "ap@acme.test", Active: true}
}

func TestRun_CreateCachesAndUsesJobIDAsIdempotencyKey(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req := &Request{Operation: models.OpCreate, Entity: acme(), JobID: "job-1"}
	first, err := f.exec.Run(ctx, binding, req)
	require.NoError(t, err)
	id := first.Entity.ExternalID()
	assert.NotEmpty(t, id)

	again, err := f.exec.Run(ctx, binding, req)
	require.NoError(t, err)
	assert.Equal(t, id, again.Entity.ExternalID())

	cached, err := f.cache.Get(ctx, models.CacheKey{Provider: "fake", TenantID: "acme", EntityType: models.EntityCustomer, ExternalID: id})
	require.NoError(t, err)
	assert.NotEmpty(t, cached.Hash)
}

func TestRun_UpdateMatchingCacheSkipsVendor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.exec.Run(ctx, binding, &Request{Operation: models.OpCreate, Entity: acme()})
	require.NoError(t, err)
	c := created.Entity.(*models.Customer)

	res, err := f.exec.Run(ctx, binding, &Request{Operation: models.OpUpdate, Entity: c})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, f.fake.Calls("update"))

	c.Name = "Acme Inc"
	res, err = f.exec.Run(ctx, binding, &Request{Operation: models.OpUpdate, Entity: c})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "2", res.Entity.Version())
	assert.Equal(t, 1, f.fake.Calls("update"))
}

func TestRun_UpdateRequiresVersion(t *testing.T) {
	f := setup(t)
	c := acme()
	c.ID = "ext-9"
	_, err := f.exec.Run(context.Background(), binding, &Request{Operation: models.OpUpdate, Entity: c})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestRun_ValidationFailsBeforeVendorCall(t *testing.T) {
	f := setup(t)
	bad := &models.Customer{Email: "not-an-email"}

	_, err := f.exec.Run(context.Background(), binding, &Request{Operation: models.OpCreate, Entity: bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrValidation)
	assert.Contains(t, err.Error(), "name")
	assert.Zero(t, f.fake.Calls("create"))

	entry := &models.JournalEntry{
		Date: time.Now(),
		Lines: []models.JournalLine{
			{AccountID: "1200", Debit: decimalOf(t, "10")},
			{AccountID: "4000", Credit: decimalOf(t, "9")},
		},
	}
	_, err = f.exec.Run(context.Background(), binding, &Request{Operation: models.OpCreate, Entity: entry})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestRun_DeniedReservationMakesNoCall(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	key := models.RateLimitKey{Provider: "fake", TenantID: "acme", Endpoint: "customer"}
	require.NoError(t, f.limits.Observe(ctx, key, 10, 0, time.Now().Add(30*time.Second)))

	_, err := f.exec.Run(ctx, binding, &Request{Operation: models.OpList, EntityType: models.EntityCustomer})
	require.Error(t, err)
	after, ok := syncerr.RetryAfter(err)
	require.True(t, ok)
	assert.InDelta(t, 30*time.Second, after, float64(time.Second))
	assert.Zero(t, f.fake.Calls("list"))
}

func TestRun_RecordsVendorHeadroom(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fake.SetRateLimit(models.RateLimitInfo{Endpoint: "customer", Limit: 60, Remaining: 0, ResetAt: time.Now().Add(time.Minute)})

	_, err := f.exec.Run(ctx, binding, &Request{Operation: models.OpList, EntityType: models.EntityCustomer})
	require.NoError(t, err)

	_, err = f.exec.Run(ctx, binding, &Request{Operation: models.OpList, EntityType: models.EntityCustomer})
	assert.ErrorIs(t, err, syncerr.ErrRateLimited)
	assert.Equal(t, 1, f.fake.Calls("list"))
}

func TestRun_CallWithoutHeadersKeepsGovernorEstimate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	key := models.RateLimitKey{Provider: binding.Provider, TenantID: binding.TenantID, Endpoint: "customer"}
	f.fake.SetRateLimit(models.RateLimitInfo{Endpoint: "customer", Limit: 60, Remaining: 10, ResetAt: time.Now().Add(time.Minute)})

	list := &Request{Operation: models.OpList, EntityType: models.EntityCustomer}
	_, err := f.exec.Run(ctx, binding, list)
	require.NoError(t, err)
	rec, err := f.limits.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Remaining)

	// The vendor reports nothing this time; the reservation's decrement stands.
	_, err = f.exec.Run(ctx, binding, list)
	require.NoError(t, err)
	rec, err = f.limits.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 9, rec.Remaining)
}

func TestRun_AuthErrorRefreshesAndRetriesOnce(t *testing.T) {
	f := setup(t)
	f.fake.RequireToken("fresh")
	f.tokens.current = "expired"
	f.tokens.next = "fresh"

	res, err := f.exec.Run(context.Background(), binding, &Request{Operation: models.OpCompanyInfo})
	require.NoError(t, err)
	assert.Equal(t, "company-1", res.Company.ID)
	assert.Equal(t, 1, f.tokens.refreshes)
	assert.Equal(t, 2, f.fake.Calls("company_info"))
}

func TestRun_AuthErrorAfterRefreshSurfaces(t *testing.T) {
	f := setup(t)
	f.fake.RequireToken("never-issued")
	f.tokens.current = "expired"
	f.tokens.next = "still-wrong"

	_, err := f.exec.Run(context.Background(), binding, &Request{Operation: models.OpCompanyInfo})
	assert.ErrorIs(t, err, syncerr.ErrAuth)
	assert.Equal(t, 1, f.tokens.refreshes)
	assert.Equal(t, 2, f.fake.Calls("company_info"))
}

func TestRun_ListReportsChangedRecords(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fake.Seed(&models.Customer{Base: models.Base{ID: "C-1"}, Name: "Acme"})
	f.fake.Seed(&models.Customer{Base: models.Base{ID: "C-2"}, Name: "Globex"})

	req := &Request{Operation: models.OpList, EntityType: models.EntityCustomer}
	res, err := f.exec.Run(ctx, binding, req)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C-1", "C-2"}, res.Changed)

	res, err = f.exec.Run(ctx, binding, req)
	require.NoError(t, err)
	assert.Empty(t, res.Changed)
}

func TestRun_UnknownOperationAndBinding(t *testing.T) {
	f := setup(t)
	_, err := f.exec.Run(context.Background(), binding, &Request{Operation: "merge"})
	assert.ErrorIs(t, err, syncerr.ErrNotSupported)

	_, err = f.exec.Run(context.Background(), models.BindingKey{Provider: "other"}, &Request{Operation: models.OpCompanyInfo})
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestDecodeRequest_RestoresTypedEntities(t *testing.T) {
	req := Request{
		Operation:  models.OpBulkCreate,
		EntityType: models.EntityCustomer,
		Entities:   []models.Entity{acme(), &models.Customer{Name: "Globex"}},
	}
	args, err := json.Marshal(req)
	require.NoError(t, err)

	job := &models.QueueJob{ID: "job-7", Operation: models.OpBulkCreate, EntityType: models.EntityCustomer, Args: args}
	got, err := DecodeRequest(job)
	require.NoError(t, err)
	require.Len(t, got.Entities, 2)
	assert.Equal(t, "Globex", got.Entities[1].(*models.Customer).Name)
	assert.Equal(t, "job-7", got.JobID)
	assert.Equal(t, "customer", got.Endpoint())

	_, err = DecodeRequest(&models.QueueJob{Operation: models.OpCreate, EntityType: models.EntityCustomer, Args: []byte(`{"entity":`)})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}
